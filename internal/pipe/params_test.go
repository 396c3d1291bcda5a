package pipe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParams_Update_NullCase(t *testing.T) {
	t.Parallel()

	s := NewStore(DefaultParams())
	params, err := s.Update(map[string]any{})
	require.NoError(t, err)
	require.Equal(t, DefaultParams(), params)
}

func TestParams_Update_UnknownKeysIgnored(t *testing.T) {
	t.Parallel()

	s := NewStore(DefaultParams())
	params, err := s.Update(map[string]any{"foo": 0, "jitter": "1s"})
	require.NoError(t, err)
	require.Equal(t, DefaultParams(), params)
}

func TestParams_Update_Coercion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  map[string]any
		want func(p *Params)
	}{
		{"int from string", map[string]any{"bandwidth": "-1"}, func(p *Params) { p.Bandwidth = -1 }},
		{"int from float", map[string]any{"buffer": float64(2048)}, func(p *Params) { p.Buffer = 2048 }},
		{"int from json number", map[string]any{"bandwidth": json.Number("4096")}, func(p *Params) { p.Bandwidth = 4096 }},
		{"float from string", map[string]any{"loss": ".5"}, func(p *Params) { p.Loss = 0.5 }},
		{"float from int", map[string]any{"delay": 2}, func(p *Params) { p.Delay = 2 }},
		{"float from json number", map[string]any{"delay": json.Number("0.25")}, func(p *Params) { p.Delay = 0.25 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewStore(DefaultParams())
			got, err := s.Update(tt.raw)
			require.NoError(t, err)

			want := DefaultParams()
			tt.want(&want)
			require.Equal(t, want, got)
			require.Equal(t, want, s.Snapshot())
		})
	}
}

func TestParams_Update_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"non-numeric text", map[string]any{"bandwidth": "foobar"}},
		{"fractional int string", map[string]any{"bandwidth": "1.5"}},
		{"fractional int number", map[string]any{"buffer": 1.5}},
		{"wrong shape map", map[string]any{"bandwidth": map[string]any{}}},
		{"wrong shape list", map[string]any{"delay": []any{}}},
		{"nil value", map[string]any{"loss": nil}},
		{"bool value", map[string]any{"buffer": true}},
		{"loss above one", map[string]any{"loss": 1.5}},
		{"loss below zero", map[string]any{"loss": -0.1}},
		{"negative delay", map[string]any{"delay": -1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewStore(DefaultParams())
			_, err := s.Update(tt.raw)

			var malformed *MalformedParameterError
			require.ErrorAs(t, err, &malformed)
			require.Equal(t, DefaultParams(), s.Snapshot(), "failed update must leave the store unchanged")
		})
	}
}

func TestParams_Update_RejectsWholeUpdateOnOneBadKey(t *testing.T) {
	t.Parallel()

	s := NewStore(DefaultParams())
	_, err := s.Update(map[string]any{"bandwidth": "2048", "loss": "oops"})
	require.Error(t, err)
	require.Equal(t, DefaultParams(), s.Snapshot())
}

func TestParams_Reset(t *testing.T) {
	t.Parallel()

	initial := Params{Bandwidth: 512, Buffer: 1024, Delay: 0.1, Loss: 0.01}
	s := NewStore(initial)

	_, err := s.Update(map[string]any{"bandwidth": 99999, "loss": 0.9})
	require.NoError(t, err)
	require.NotEqual(t, initial, s.Snapshot())

	require.Equal(t, initial, s.Reset())
	require.Equal(t, initial, s.Snapshot())
}
