package signature

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignVerify_roundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"event":{"id":"1"},"data":{},"metadata":{}}`),
		[]byte(""),
		[]byte("not json at all"),
		bytes.Repeat([]byte("x"), 64<<10),
	}
	secrets := []string{"s3cret", "", "a-much-longer-secret-value-0123456789abcdef"}

	for _, p := range payloads {
		for _, s := range secrets {
			sig := Sign(p, s)
			if !Verify(p, sig, s) {
				t.Errorf("Verify(Sign(p, %q)) = false for payload len %d", s, len(p))
			}
		}
	}
}

func TestVerify_rejectsMutations(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := Sign(payload, "key")

	if Verify([]byte(`{"a":2}`), sig, "key") {
		t.Error("mutated payload should not verify")
	}
	if Verify(payload, sig, "other") {
		t.Error("wrong secret should not verify")
	}

	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	if Verify(payload, string(flipped), "key") {
		t.Error("altered signature should not verify")
	}
}

func TestVerify_malformedHex(t *testing.T) {
	if Verify([]byte("x"), "zz-not-hex", "key") {
		t.Error("malformed hex should not verify")
	}
	if Verify([]byte("x"), "sha256="+Sign([]byte("x"), "key"), "key") {
		t.Error("prefixed signature is not the wire format")
	}
}

func TestSign_isHexSHA256(t *testing.T) {
	// RFC 4231 test case 2.
	got := Sign([]byte("what do ya want for nothing?"), "Jefe")
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("Sign: got %s, want %s", got, want)
	}
}

func TestVerifyRequest(t *testing.T) {
	body := []byte(`{"event":{"type":"user.created"}}`)

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		r.Header.Set(Header, Sign(body, "k"))

		got, err := VerifyRequest(r, "k")
		if err != nil {
			t.Fatalf("VerifyRequest: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("returned body mismatch")
		}
		again, _ := io.ReadAll(r.Body)
		if !bytes.Equal(again, body) {
			t.Errorf("body was not restored")
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		if _, err := VerifyRequest(r, "k"); !errors.Is(err, ErrMissingSignature) {
			t.Errorf("expected ErrMissingSignature, got %v", err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
		r.Header.Set(Header, Sign(body, "other"))
		if _, err := VerifyRequest(r, "k"); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("expected ErrInvalidSignature, got %v", err)
		}
	})
}
