package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

func TestPatternScan(t *testing.T) {
	ctx := context.Background()
	scan := NewPatternScan(discard)

	t.Run("default rules", func(t *testing.T) {
		out, err := scan.Check(ctx, form(map[string]string{"name": "x' OR 1=1 --", "message": "<script>alert(1)</script>"}), nil)
		require.NoError(t, err)
		assert.Equal(t, 110.0, out.ScoreDelta)
		assert.True(t, out.Blocked)
		assert.Equal(t, []string{FlagPatternMatch}, out.Flags)
		assert.Equal(t, []string{"script_tag", "sql_injection"}, out.Details["rules"])
	})

	t.Run("clean content", func(t *testing.T) {
		out, err := scan.Check(ctx, form(map[string]string{"message": "Hello, I would like a quote."}), nil)
		require.NoError(t, err)
		assert.Equal(t, runtime.Neutral(), out)
	})

	t.Run("configured rules restricted to fields", func(t *testing.T) {
		cfg := domain.Config{
			"fields": []any{"message"},
			"rules": []any{
				map[string]any{"name": "promo", "pattern": "(?i)free money"},
				map[string]any{"name": "crypto", "pattern": "(?i)bitcoin", "score": 5, "block": true},
			},
		}
		out, err := scan.Check(ctx, form(map[string]string{"message": "FREE money today", "name": "bitcoin"}), cfg)
		require.NoError(t, err)
		assert.Equal(t, 25.0, out.ScoreDelta)
		assert.False(t, out.Blocked)
		assert.Equal(t, []string{"promo"}, out.Details["rules"])
	})

	t.Run("max score caps", func(t *testing.T) {
		out, err := scan.Check(ctx, form(map[string]string{"m": "<script> ../../etc"}), domain.Config{"max_score": 60})
		require.NoError(t, err)
		assert.Equal(t, 60.0, out.ScoreDelta)
	})

	t.Run("invalid rules", func(t *testing.T) {
		_, err := scan.Check(ctx, form(nil), domain.Config{"rules": []any{map[string]any{"name": "broken", "pattern": "("}}})
		require.ErrorContains(t, err, "invalid pattern for rule broken")

		_, err = scan.Check(ctx, form(nil), domain.Config{"rules": []any{map[string]any{"name": "empty"}}})
		require.ErrorContains(t, err, "pattern is required")

		_, err = scan.Check(ctx, form(nil), domain.Config{"rules": []any{"nope"}})
		require.ErrorContains(t, err, "not an object")
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := scan.Check(canceled, form(nil), nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}
