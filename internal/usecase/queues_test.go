package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/usecase"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

func TestQueues_CreateAndAuthenticate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.queues.Create(ctx, "exp-1", "s3cret", obj(map[string]docval.Value{
		"owner": docval.String("alice"),
	}))
	require.NoError(t, err)

	q, err := e.queues.Authenticate(ctx, "exp-1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, id, q.ID)
	owner, _ := q.Metadata.Get("owner")
	s, _ := owner.AsString()
	assert.Equal(t, "alice", s)

	_, err = e.queues.Authenticate(ctx, "exp-1", "wrong")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = e.queues.Authenticate(ctx, "no-such", "s3cret")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueues_CreateValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		qname    string
		password string
	}{
		{"empty name", "", "pw"},
		{"bad chars", "bad name!", "pw"},
		{"empty password", "ok-name", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.queues.Create(ctx, tc.qname, tc.password, docval.Value{})
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestQueues_DuplicateName(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.queues.Create(ctx, "dup", "pw", docval.Value{})
	require.NoError(t, err)
	_, err = e.queues.Create(ctx, "dup", "pw2", docval.Value{})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestQueues_Update(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	id := e.createQueue(t, "before")

	newName := "after"
	newPassword := "n3w"
	q, err := e.queues.Update(ctx, id, usecase.UpdateQueue{
		NewName:     &newName,
		NewPassword: &newPassword,
		MetadataUpdate: obj(map[string]docval.Value{
			"tier": docval.String("gold"),
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, "after", q.Name)

	_, err = e.queues.Authenticate(ctx, "after", "n3w")
	require.NoError(t, err)
	_, err = e.queues.Authenticate(ctx, "after", "s3cret")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	tier, ok := q.Metadata.Get("tier")
	require.True(t, ok)
	s, _ := tier.AsString()
	assert.Equal(t, "gold", s)
}

func TestQueues_DeleteCascade(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	qID := e.createQueue(t, "q")
	taskID := e.submit(t, usecase.SubmitTask{QueueID: qID})
	wID := e.register(t, qID, 3)

	require.NoError(t, e.queues.Delete(ctx, qID, true))

	_, err := e.queues.Get(ctx, qID, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.tasks.Get(ctx, qID, taskID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.workers.Get(ctx, qID, wID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueues_GetRequiresSelector(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, err := e.queues.Get(context.Background(), "", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
