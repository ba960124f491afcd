package progress

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/trainstream/internal/domain"
)

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	states := map[string]RunState{
		"idle": NewRunState(),
		"running": Replay(
			domain.StartEvent{Models: []domain.ModelID{rf, xgb}, TotalFolds: 3},
			domain.ModelStartEvent{Model: rf, TotalFolds: 3},
			fold(rf, 1),
		),
		"succeeded": Replay(
			domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 1},
			domain.ModelStartEvent{Model: rf, TotalFolds: 1},
			fold(rf, 1),
			domain.ModelCompleteEvent{Model: rf, Metrics: domain.Metrics{"rmse": 1.2}},
			domain.CompleteEvent{Results: sampleResult()},
		),
		"failed": Replay(
			domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 2},
			domain.ErrorEvent{Message: "model timed out"},
		),
	}

	for name, state := range states {
		t.Run(name, func(t *testing.T) {
			want := NewSnapshot(uuid.New(), "default", 7, state)

			data, err := json.Marshal(want)
			require.NoError(t, err)

			var got Snapshot
			require.NoError(t, json.Unmarshal(data, &got))

			assert.Equal(t, want.RunID, got.RunID)
			assert.Equal(t, want.Surface, got.Surface)
			assert.Equal(t, want.Seq, got.Seq)
			assert.Equal(t, want.Percent, got.Percent)
			assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
			assert.Equal(t, want.State, got.State)
		})
	}
}
