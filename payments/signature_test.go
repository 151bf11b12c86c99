package payments

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestSignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"event_id":"evt-1","type":"capture_succeeded"}`)
	signature := SignPayload("topsecret", payload)

	check.True(t, VerifySignature("topsecret", payload, signature))
}

func TestSignatureRejectsTampering(t *testing.T) {
	payload := []byte(`{"event_id":"evt-1","type":"capture_succeeded"}`)
	signature := SignPayload("topsecret", payload)

	tampered := []byte(`{"event_id":"evt-1","type":"payout_succeeded"}`)
	check.False(t, VerifySignature("topsecret", tampered, signature))
}

func TestSignatureRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"event_id":"evt-1"}`)
	signature := SignPayload("topsecret", payload)

	check.False(t, VerifySignature("othersecret", payload, signature))
	check.False(t, VerifySignature("topsecret", payload, ""))
}
