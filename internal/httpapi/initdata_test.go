package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"
)

const testToken = "123456:ABCDEF"

func TestValidateInitDataOK(t *testing.T) {
	user := TelegramUser{ID: 42, Username: "reader"}

	initData := buildSignedInitData(t, testToken, user, time.Now())

	got, err := ValidateInitData(initData, testToken)
	if err != nil {
		t.Fatalf("expected valid initData, got error: %v", err)
	}
	if got.ID != user.ID || got.Username != user.Username {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestValidateInitDataInvalidHash(t *testing.T) {
	user := TelegramUser{ID: 7, Username: "bad"}

	initData := buildSignedInitData(t, testToken, user, time.Now())
	values, _ := url.ParseQuery(initData)
	values.Set("hash", "deadbeef")

	if _, err := ValidateInitData(values.Encode(), testToken); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestValidateInitDataWrongToken(t *testing.T) {
	initData := buildSignedInitData(t, testToken, TelegramUser{ID: 8}, time.Now())
	if _, err := ValidateInitData(initData, "999:OTHER"); err == nil {
		t.Fatal("expected error for a different bot token")
	}
	if _, err := ValidateInitData(initData, ""); err == nil {
		t.Fatal("expected error for an empty bot token")
	}
}

func TestValidateInitDataExpired(t *testing.T) {
	user := TelegramUser{ID: 99}

	past := time.Now().Add(-25 * time.Hour)
	initData := buildSignedInitData(t, testToken, user, past)

	if _, err := ValidateInitData(initData, testToken); err == nil {
		t.Fatal("expected expiration error")
	}
}

func buildSignedInitData(t *testing.T, token string, user TelegramUser, ts time.Time) string {
	t.Helper()

	values := url.Values{}
	values.Set("user", mustJSON(t, user))
	values.Set("auth_date", fmt.Sprint(ts.Unix()))
	values.Set("query_id", "AAEAAAE")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	_, _ = secret.Write([]byte(token))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	_, _ = mac.Write([]byte(dataCheckString(values)))

	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	return string(b)
}
