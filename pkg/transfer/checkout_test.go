package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

func TestFinalize(t *testing.T) {
	set := buildSet(t, projectFS(t, "scene.blend"), requestsFor(ActionCopy, "scene.blend"))

	tests := []struct {
		name         string
		checkoutPath string
		result       *store.CheckoutResult
		err          error
		want         string
		wantErr      error
		wantCalls    int
	}{
		{
			name:         "requested path",
			checkoutPath: "jobs/a",
			result:       &store.CheckoutResult{CheckoutPath: "jobs/a"},
			want:         "jobs/a/scene.blend",
			wantCalls:    1,
		},
		{
			name:         "store picked another path",
			checkoutPath: "jobs/a",
			result:       &store.CheckoutResult{CheckoutPath: "jobs/a-2"},
			want:         "jobs/a-2/scene.blend",
			wantCalls:    1,
		},
		{
			name:         "no content in response",
			checkoutPath: "jobs/a",
			want:         "jobs/a/scene.blend",
			wantCalls:    1,
		},
		{
			name:      "no checkout path",
			want:      "scene.blend",
			wantCalls: 0,
		},
		{
			name:         "missing files",
			checkoutPath: "jobs/a",
			err:          store.ErrMissingFiles,
			wantErr:      store.ErrMissingFiles,
			wantCalls:    1,
		},
		{
			name:         "checkout exists",
			checkoutPath: "jobs/a",
			err:          store.ErrCheckoutExists,
			wantErr:      store.ErrCheckoutExists,
			wantCalls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMockStore()
			st.checkoutFunc = func(context.Context, store.CheckoutRequest) (*store.CheckoutResult, error) {
				return tt.result, tt.err
			}

			got, err := Finalize(context.Background(), st, set, tt.checkoutPath, "scene.blend", nil)
			assert.Len(t, st.checkouts, tt.wantCalls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
