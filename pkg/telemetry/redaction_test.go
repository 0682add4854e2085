package telemetry

import (
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRedactAttributesHonorsStrategies(t *testing.T) {
	strategies := map[string]string{
		"user.email":    RedactMask,
		"custom.secret": RedactDrop,
		"client.ip":     RedactHash,
	}

	attrs := []attribute.KeyValue{
		attribute.String("user.email", "person@example.com"),
		attribute.String("custom.secret", "top-secret"),
		attribute.String("client.ip", "203.0.113.7"),
		attribute.String("safe.field", "value"),
	}

	filtered := RedactAttributes(strategies, attrs)

	if len(filtered) != 3 {
		t.Fatalf("expected 3 attributes after redaction, got %d", len(filtered))
	}

	for _, kv := range filtered {
		switch kv.Key {
		case "user.email":
			if got := kv.Value.AsString(); got != "pers***.com" {
				t.Fatalf("unexpected masked email %q", got)
			}
		case "client.ip":
			got := kv.Value.AsString()
			if !strings.HasPrefix(got, "[REDACTED:sha256:") || strings.Contains(got, "203.0.113.7") {
				t.Fatalf("unexpected hashed ip %q", got)
			}
			if again := RedactAttributes(strategies, attrs[2:3])[0].Value.AsString(); again != got {
				t.Fatalf("hash is not deterministic: %q != %q", again, got)
			}
		case "safe.field":
			if kv.Value.AsString() != "value" {
				t.Fatalf("unexpected safe field value %q", kv.Value.AsString())
			}
		default:
			t.Fatalf("unexpected attribute %q present after redaction", kv.Key)
		}
	}
}

func TestRedactAttributesDefaults(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("request.content", "buy cheap pills"),
		attribute.String("http.user_agent", "Mozilla/5.0 (X11; Linux)"),
		attribute.String("profile.id", "strict"),
	}

	filtered := RedactAttributes(nil, attrs)
	if len(filtered) != 2 {
		t.Fatalf("expected content to be dropped, got %v", filtered)
	}
	if got := filtered[0].Value.AsString(); got != "Mozi***nux)" {
		t.Fatalf("unexpected masked user agent %q", got)
	}
	if filtered[1].Value.AsString() != "strict" {
		t.Fatalf("profile id should pass through")
	}
}
