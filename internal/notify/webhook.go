package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"clinicq/internal/models"
)

// WebhookSender posts feedback requests to an external messaging gateway.
// Any non-2xx response counts as a failed send.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

type webhookPayload struct {
	VisitID      string     `json:"visit_id"`
	VisitCode    string     `json:"visit_code"`
	ClinicID     string     `json:"clinic_id"`
	PatientName  string     `json:"patient_name,omitempty"`
	PatientPhone string     `json:"patient_phone,omitempty"`
	PatientEmail string     `json:"patient_email,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, visit models.Visit) error {
	body, err := json.Marshal(webhookPayload{
		VisitID:      visit.VisitID,
		VisitCode:    visit.VisitCode,
		ClinicID:     visit.ClinicID,
		PatientName:  visit.PatientName,
		PatientPhone: visit.PatientPhone,
		PatientEmail: visit.PatientEmail,
		EndedAt:      visit.TreatmentEndedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal feedback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send feedback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feedback webhook returned %d", resp.StatusCode)
	}
	return nil
}
