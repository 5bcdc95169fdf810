package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var secret = []byte("whsec_test")

func sign(payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerify_ValidSignature(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)
	header := sign(payload, now.Unix())

	if err := Verify(payload, header, secret, DefaultTolerance, now); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	now := time.Now()
	header := sign([]byte(`{"id":"evt_1"}`), now.Unix())

	err := Verify([]byte(`{"id":"evt_2"}`), header, secret, DefaultTolerance, now)
	if !errors.Is(err, ErrNoMatchingSignature) {
		t.Fatalf("err = %v, want ErrNoMatchingSignature", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	now := time.Now()
	payload := []byte(`{}`)
	header := sign(payload, now.Add(-10*time.Minute).Unix())

	err := Verify(payload, header, secret, DefaultTolerance, now)
	if !errors.Is(err, ErrTimestampOutsideTolerance) {
		t.Fatalf("err = %v, want ErrTimestampOutsideTolerance", err)
	}
}

func TestVerify_MalformedHeader(t *testing.T) {
	tests := []string{
		"",
		"t=abc,v1=deadbeef",
		"v1=deadbeef",
		"t=123",
	}
	for _, header := range tests {
		err := Verify([]byte(`{}`), header, secret, DefaultTolerance, time.Now())
		if !errors.Is(err, ErrInvalidHeader) {
			t.Errorf("Verify(%q) = %v, want ErrInvalidHeader", header, err)
		}
	}
}

func TestVerify_MultipleSignatures(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"id":"evt_1"}`)
	valid := sign(payload, now.Unix())
	header := fmt.Sprintf("t=%d,v1=%s,%s", now.Unix(), "00ff00ff", valid[strings.Index(valid, "v1="):])

	if err := Verify(payload, header, secret, DefaultTolerance, now); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}
