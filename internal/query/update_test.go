package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/internal/query"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

func TestValidateDocument(t *testing.T) {
	t.Parallel()
	ok := docval.Object(map[string]docval.Value{
		"lr":     docval.Number(0.1),
		"nested": docval.Object(map[string]docval.Value{"a": docval.Bool(true)}),
	})
	require.NoError(t, query.ValidateDocument(ok))

	operator := docval.Object(map[string]docval.Value{"$set": docval.Number(1)})
	require.ErrorIs(t, query.ValidateDocument(operator), domain.ErrInvalidArgument)

	nestedOperator := docval.Object(map[string]docval.Value{
		"outer": docval.Object(map[string]docval.Value{"$in": docval.Number(1)}),
	})
	require.ErrorIs(t, query.ValidateDocument(nestedOperator), domain.ErrInvalidArgument)

	dotted := docval.Object(map[string]docval.Value{"a.b": docval.Number(1)})
	require.ErrorIs(t, query.ValidateDocument(dotted), domain.ErrInvalidArgument)
}

func TestFlatten(t *testing.T) {
	t.Parallel()
	update := docval.Object(map[string]docval.Value{
		"args": docval.Object(map[string]docval.Value{
			"lr": docval.Number(0.2),
		}),
		"priority": docval.Number(20),
		"empty":    docval.Object(nil),
	})
	leaves, err := query.Flatten(update)
	require.NoError(t, err)
	require.Len(t, leaves, 3)
	assert.True(t, leaves["args.lr"].Equal(docval.Number(0.2)))
	assert.True(t, leaves["priority"].Equal(docval.Number(20)))
	// An empty object leaf replaces the whole subtree.
	empty, ok := leaves["empty"]
	require.True(t, ok)
	assert.Equal(t, docval.KindObject, empty.Kind())
}

func TestApplyUpdate_PreservesSiblings(t *testing.T) {
	t.Parallel()
	doc := docval.Object(map[string]docval.Value{
		"args": docval.Object(map[string]docval.Value{
			"lr":     docval.Number(0.1),
			"epochs": docval.Number(10),
		}),
	})
	update := docval.Object(map[string]docval.Value{
		"args": docval.Object(map[string]docval.Value{"lr": docval.Number(0.2)}),
	})
	out, err := query.ApplyUpdate(doc, update, nil)
	require.NoError(t, err)

	lr, _ := out.Get("args.lr")
	assert.True(t, lr.Equal(docval.Number(0.2)))
	epochs, _ := out.Get("args.epochs")
	assert.True(t, epochs.Equal(docval.Number(10)), "sibling leaf must survive")
}

func TestApplyUpdate_BannedPrefixes(t *testing.T) {
	t.Parallel()
	doc := docval.Object(nil)
	banned := []string{"status", "retries"}

	_, err := query.ApplyUpdate(doc, docval.Object(map[string]docval.Value{
		"status": docval.String("success"),
	}), banned)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	// A banned prefix also blocks nested paths under it.
	_, err = query.ApplyUpdate(doc, docval.Object(map[string]docval.Value{
		"status": docval.Object(map[string]docval.Value{"inner": docval.Number(1)}),
	}), banned)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	out, err := query.ApplyUpdate(doc, docval.Object(map[string]docval.Value{
		"statuses": docval.Number(1),
	}), banned)
	require.NoError(t, err, "prefix match is per path segment, not per substring")
	v, ok := out.Get("statuses")
	require.True(t, ok)
	assert.True(t, v.Equal(docval.Number(1)))
}
