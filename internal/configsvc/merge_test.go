package configsvc

import (
	"reflect"
	"testing"
)

func TestDeepMerge(t *testing.T) {
	tests := []struct {
		name string
		dst  map[string]any
		src  map[string]any
		want map[string]any
	}{
		{
			name: "scalars overwrite",
			dst:  map[string]any{"port": 1883.0, "host": "a"},
			src:  map[string]any{"port": 8883.0},
			want: map[string]any{"port": 8883.0, "host": "a"},
		},
		{
			name: "nested maps recurse",
			dst:  map[string]any{"mqtt": map[string]any{"host": "a", "port": 1883.0}},
			src:  map[string]any{"mqtt": map[string]any{"port": 8883.0}},
			want: map[string]any{"mqtt": map[string]any{"host": "a", "port": 8883.0}},
		},
		{
			name: "map replaces scalar",
			dst:  map[string]any{"x": "flat"},
			src:  map[string]any{"x": map[string]any{"deep": true}},
			want: map[string]any{"x": map[string]any{"deep": true}},
		},
		{
			name: "arrays overwrite, not append",
			dst:  map[string]any{"tags": []any{"a", "b"}},
			src:  map[string]any{"tags": []any{"c"}},
			want: map[string]any{"tags": []any{"c"}},
		},
		{
			name: "new keys added",
			dst:  map[string]any{},
			src:  map[string]any{"fresh": 1.0},
			want: map[string]any{"fresh": 1.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeepMerge(tt.dst, tt.src)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DeepMerge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	dst := map[string]any{"nested": map[string]any{"a": 1.0}}
	src := map[string]any{"nested": map[string]any{"b": 2.0}}
	_ = DeepMerge(dst, src)
	if _, leaked := dst["nested"].(map[string]any)["b"]; leaked {
		t.Error("DeepMerge mutated dst")
	}
}

func TestSchemaValidate(t *testing.T) {
	schema := &Schema{Fields: map[string]Field{
		"host":    {Type: "string", Required: true},
		"port":    {Type: "number"},
		"tls":     {Type: "bool"},
		"options": {Type: "object"},
	}}

	tests := []struct {
		name    string
		cfg     map[string]any
		wantErr bool
	}{
		{"valid full", map[string]any{"host": "h", "port": 10300.0, "tls": true, "options": map[string]any{}}, false},
		{"optional fields absent", map[string]any{"host": "h"}, false},
		{"missing required", map[string]any{"port": 1.0}, true},
		{"wrong type", map[string]any{"host": 42.0}, true},
		{"scalar for object", map[string]any{"host": "h", "options": "nope"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	// A nil schema accepts anything.
	var none *Schema
	if err := none.Validate(map[string]any{"whatever": 1}); err != nil {
		t.Errorf("nil schema Validate() = %v, want nil", err)
	}
}
