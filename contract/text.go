package contract

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"agroflow/negotiation"
)

// Party is the slice of a user row that appears in the contract body.
type Party struct {
	ID       string
	FullName string
	PixKey   string
}

// DraftInput carries everything the body renderer snapshots.
type DraftInput struct {
	EngagementID         string
	JobID                string
	Producer             Party
	Worker               Party
	Terms                negotiation.Terms
	Resolution           negotiation.Resolution
	TotalValueMinorUnits int64
	DraftedAt            time.Time
}

var bodyTemplate = template.Must(template.New("contract").Parse(`SERVICE ENGAGEMENT CONTRACT

Engagement: {{.EngagementID}}
Job:        {{.JobID}}
Drafted:    {{.DraftedAt}}

CONTRACTING PARTY (producer)
  Name:    {{.ProducerName}}
  Pix key: {{.ProducerPix}}

CONTRACTED PARTY (worker)
  Name:    {{.WorkerName}}
  Pix key: {{.WorkerPix}}

PAYMENT TERMS
  {{.TermsText}}
  Total value:       {{.Total}}
  Advance on start:  {{.Advance}}
  Due on completion: {{.Remainder}}

The contracted party agrees to perform the services described in the job
listing. Payment follows the terms above. This contract takes effect when
both parties have signed.
`))

// Render produces the contract body text. Deterministic for a given input;
// the result is stored verbatim and never regenerated.
func Render(in DraftInput) (string, error) {
	data := struct {
		EngagementID, JobID, DraftedAt       string
		ProducerName, ProducerPix            string
		WorkerName, WorkerPix                string
		TermsText, Total, Advance, Remainder string
	}{
		EngagementID: in.EngagementID,
		JobID:        in.JobID,
		DraftedAt:    in.DraftedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		ProducerName: in.Producer.FullName,
		ProducerPix:  orUnset(in.Producer.PixKey),
		WorkerName:   in.Worker.FullName,
		WorkerPix:    orUnset(in.Worker.PixKey),
		TermsText:    in.Terms.Describe(),
		Total:        FormatMinorUnits(in.TotalValueMinorUnits),
		Advance:      FormatMinorUnits(in.Resolution.AdvanceMinorUnits),
		Remainder:    FormatMinorUnits(in.Resolution.RemainderMinorUnits),
	}

	var b strings.Builder
	if err := bodyTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("contract: render body: %w", err)
	}
	return b.String(), nil
}

// FormatMinorUnits renders centavos as a BRL amount, e.g. 123456 -> "R$ 1.234,56".
func FormatMinorUnits(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / 100
	cents := v % 100

	digits := fmt.Sprintf("%d", whole)
	var grouped strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(d)
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, grouped.String(), cents)
}

func orUnset(s string) string {
	if s == "" {
		return "(not registered)"
	}
	return s
}
