package job

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"videoworker/config"
	"videoworker/models"
	"videoworker/utils"
)

// DecodeMessage turns a message body into a JobMessage. When a signing key
// is configured the body must be a signed token carrying the job.
func DecodeMessage(body []byte, settings config.JobSettings) (models.JobMessage, error) {
	if settings.SigningKey == "" {
		return models.DecodeJobMessage(body)
	}
	if !utf8.Valid(body) {
		return models.JobMessage{}, models.ErrInvalidEncoding
	}

	claims, err := utils.VerifyJobToken(string(bytes.TrimSpace(body)), utils.VerifyConfig{
		SecretKey:      []byte(settings.SigningKey),
		ExpectedIssuer: settings.ExpectedIssuer,
	})
	if err != nil {
		return models.JobMessage{}, fmt.Errorf("%w: %v", models.ErrInvalidJob, err)
	}

	msg := claims.Job
	if msg.JobID == "" {
		msg.JobID = claims.Subject
	}
	if err := msg.Validate(); err != nil {
		return models.JobMessage{}, err
	}
	return msg, nil
}
