package job

import (
	"errors"
	"testing"
	"time"

	"videoworker/config"
	"videoworker/models"
	"videoworker/utils"
)

func TestDecodePlainMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"job_id":"j1","input_file":"a.mp4","preset":"hls"}`), config.JobSettings{})
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if msg.JobID != "j1" || msg.InputFile != "a.mp4" {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestDecodeSignedMessage(t *testing.T) {
	settings := config.JobSettings{SigningKey: "0123456789abcdef0123456789abcdef", ExpectedIssuer: "uploader"}
	token, err := utils.CreateJobToken(&models.JobClaims{
		Issuer:    "uploader",
		Subject:   "from-subject",
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Job:       models.JobMessage{InputFile: "b.mp4", Preset: "dash"},
	}, []byte(settings.SigningKey))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	msg, err := DecodeMessage([]byte(token+"\n"), settings)
	if err != nil {
		t.Fatalf("Failed to decode signed message: %v", err)
	}
	if msg.JobID != "from-subject" {
		t.Errorf("Expected job id from subject, got %q", msg.JobID)
	}
	if msg.Preset != "dash" {
		t.Errorf("Expected preset dash, got %q", msg.Preset)
	}
}

func TestDecodeSignedMessageRejects(t *testing.T) {
	settings := config.JobSettings{SigningKey: "0123456789abcdef0123456789abcdef", ExpectedIssuer: "uploader"}

	wrongIssuer, _ := utils.CreateJobToken(&models.JobClaims{
		Issuer: "someone-else",
		Job:    models.JobMessage{InputFile: "b.mp4", Preset: "dash"},
	}, []byte(settings.SigningKey))
	wrongKey, _ := utils.CreateJobToken(&models.JobClaims{
		Issuer: "uploader",
		Job:    models.JobMessage{InputFile: "b.mp4", Preset: "dash"},
	}, []byte("another-key-another-key-another-k"))
	expired, _ := utils.CreateJobToken(&models.JobClaims{
		Issuer:    "uploader",
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
		Job:       models.JobMessage{InputFile: "b.mp4", Preset: "dash"},
	}, []byte(settings.SigningKey))

	cases := map[string]string{
		"plain json":   `{"input_file":"b.mp4","preset":"dash"}`,
		"wrong issuer": wrongIssuer,
		"wrong key":    wrongKey,
		"expired":      expired,
	}
	for name, body := range cases {
		if _, err := DecodeMessage([]byte(body), settings); !errors.Is(err, models.ErrInvalidJob) {
			t.Errorf("%s: expected ErrInvalidJob, got %v", name, err)
		}
	}

	if _, err := DecodeMessage([]byte{0xff}, settings); !errors.Is(err, models.ErrInvalidEncoding) {
		t.Errorf("Expected ErrInvalidEncoding, got %v", err)
	}
}
