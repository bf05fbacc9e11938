package domain

import "testing"

func TestSanitizeMapRedactsSensitiveFields(t *testing.T) {
	in := map[string]any{
		"event":      "content.published",
		"api_token":  "tok_12345",
		"password":   "hunter2",
		"SigNature":  "sha256=abc",
		"secret_key": "aws",
		"campaign":   "launch",
	}

	out := SanitizeMap(in)

	for _, field := range []string{"api_token", "password", "SigNature", "secret_key"} {
		if out[field] != Redacted {
			t.Errorf("%s not redacted: %v", field, out[field])
		}
	}
	if out["event"] != "content.published" || out["campaign"] != "launch" {
		t.Errorf("benign fields altered: %+v", out)
	}
	if in["api_token"] != "tok_12345" {
		t.Error("input map was mutated")
	}
}

func TestSanitizeMapRecursesThroughNesting(t *testing.T) {
	in := map[string]any{
		"data": map[string]any{
			"auth_header": "Bearer xyz",
			"items": []any{
				map[string]any{"webhook_secret": "s1", "name": "a"},
				"plain",
			},
		},
	}

	out := SanitizeMap(in)

	data := out["data"].(map[string]any)
	if data["auth_header"] != Redacted {
		t.Errorf("nested field not redacted: %v", data["auth_header"])
	}
	items := data["items"].([]any)
	first := items[0].(map[string]any)
	if first["webhook_secret"] != Redacted {
		t.Errorf("field inside array not redacted: %v", first["webhook_secret"])
	}
	if first["name"] != "a" || items[1] != "plain" {
		t.Errorf("benign nested values altered: %+v", items)
	}
}

func TestSanitizeMapNil(t *testing.T) {
	if SanitizeMap(nil) != nil {
		t.Error("nil input should stay nil")
	}
}
