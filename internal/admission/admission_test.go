package admission

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/webrelay/internal/admission/mocks"
)

func TestNewController_ComputesFloorsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockSource(ctrl)
	// Max is consulted exactly once, at construction.
	src.EXPECT().Max().Return(100, 50).Times(1)

	c := NewController(src, Config{WorkerThreshold: 0.75, IOThreshold: 0.60})

	workers, io := c.Floors()
	assert.Equal(t, 75, workers)
	assert.Equal(t, 30, io)
}

func TestCanAdmit_StrictlyAboveBothFloors(t *testing.T) {
	tests := []struct {
		name         string
		availWorkers int
		availIO      int
		admit        bool
	}{
		{"plenty of headroom", 100, 50, true},
		{"just above both floors", 76, 31, true},
		{"worker gauge at floor", 75, 50, false},
		{"worker gauge below floor", 10, 50, false},
		{"io gauge at floor", 100, 30, false},
		{"io gauge below floor", 100, 5, false},
		{"both exhausted", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			src := mocks.NewMockSource(ctrl)
			src.EXPECT().Max().Return(100, 50)
			src.EXPECT().Available().Return(tt.availWorkers, tt.availIO)

			c := NewController(src, Config{WorkerThreshold: 0.75, IOThreshold: 0.60})
			assert.Equal(t, tt.admit, c.CanAdmit())
		})
	}
}

func TestNewController_ClampsBadThresholds(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero", Config{}},
		{"negative", Config{WorkerThreshold: -1, IOThreshold: -0.5}},
		{"above one", Config{WorkerThreshold: 2, IOThreshold: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			src := mocks.NewMockSource(ctrl)
			src.EXPECT().Max().Return(100, 100)

			c := NewController(src, tt.cfg)
			workers, io := c.Floors()
			// Bad fractions fall back to the stock 0.75 / 0.60.
			assert.Equal(t, 75, workers)
			assert.Equal(t, 60, io)
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 0.75, cfg.WorkerThreshold)
	assert.Equal(t, 0.60, cfg.IOThreshold)
}

func TestRuntimeSource(t *testing.T) {
	src := NewRuntimeSource(0, 0)
	maxW, maxIO := src.Max()
	assert.Greater(t, maxW, 0)
	assert.Greater(t, maxIO, 0)

	availW, availIO := src.Available()
	assert.GreaterOrEqual(t, availW, 0)
	assert.GreaterOrEqual(t, availIO, 0)
	assert.LessOrEqual(t, availW, maxW)
	assert.LessOrEqual(t, availIO, maxIO)
}

func TestRuntimeSource_ExplicitBudgets(t *testing.T) {
	src := NewRuntimeSource(10, 20)
	maxW, maxIO := src.Max()
	assert.Equal(t, 10, maxW)
	assert.Equal(t, 20, maxIO)

	// More goroutines than budget clamps to zero rather than going negative.
	availW, _ := src.Available()
	assert.GreaterOrEqual(t, availW, 0)
}
