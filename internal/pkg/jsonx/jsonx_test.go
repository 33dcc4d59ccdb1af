package jsonx

import (
	"encoding/json"
	"testing"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", `{"output": "hi"}`, "hi", false},
		{"fenced", "```json\n{\"output\": \"hi\"}\n```", "hi", false},
		{"surrounding prose", `Sure! {"output": "hi"} Hope this helps.`, "hi", false},
		{"trailing comma", `{"output": "hi",}`, "hi", false},
		{"empty", "   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Output string `json:"output"`
			}
			err := Decode("test", tt.input, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !apperr.Is(err, apperr.KindInvalidJSON) {
					t.Errorf("Decode() kind = %s, want invalid_json", apperr.KindOf(err))
				}
				return
			}
			if got.Output != tt.want {
				t.Errorf("Decode() output = %q, want %q", got.Output, tt.want)
			}
		})
	}
}

func TestRequireKeys(t *testing.T) {
	obj := map[string]json.RawMessage{"a": []byte(`1`)}
	if err := RequireKeys("test", obj, "a"); err != nil {
		t.Errorf("RequireKeys() error = %v", err)
	}
	if err := RequireKeys("test", obj, "a", "b"); !apperr.Is(err, apperr.KindInvalidJSON) {
		t.Errorf("RequireKeys() error = %v, want invalid_json", err)
	}
}
