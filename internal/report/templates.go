package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"cashcount/api/internal/counting"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.ParseFS(templateFS, "templates/report.html"))

var printer = message.NewPrinter(language.AmericanEnglish)

// FormatCents renders an amount in cents as dollars with digit grouping.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + "$" + printer.Sprintf("%d", cents/100) + fmt.Sprintf(".%02d", cents%100)
}

// TemplateData holds data for report template rendering.
type TemplateData struct {
	UnitName          string
	Date              string
	Status            string
	Locked            bool
	NoDonationsReason string
	BatchNumber       string
	RecordedBy        string
	RecordedAt        string
	Bills             []TemplateBill
	Envelopes         []TemplateEnvelope
	Cash              string
	Coins             string
	Cheques           string
	Grand             string
	Deposit           *TemplateDeposit
}

type TemplateBill struct {
	Label  string
	Count  int
	Amount string
}

type TemplateEnvelope struct {
	Number  int
	Cash    string
	Coins   string
	Cheques string
	Total   string
}

type TemplateDeposit struct {
	Depositor1  string
	Depositor2  string
	InitiatedAt string
	VerifiedBy  string
	DepositedAt string
}

// NewTemplateData resolves names and amounts for s. Times are shown in loc.
func NewTemplateData(unitName string, s counting.Session, dir counting.Directory, loc *time.Location, now time.Time) TemplateData {
	totals := s.Totals()
	data := TemplateData{
		UnitName:          unitName,
		Date:              s.Date,
		Status:            string(s.Status),
		Locked:            counting.Locked(s.Date, now.In(loc)),
		NoDonationsReason: s.NoDonationsReason,
		BatchNumber:       s.BatchNumber,
		RecordedAt:        formatTime(s.RecordedAt, loc),
		Cash:              FormatCents(totals.CashCents),
		Coins:             FormatCents(totals.CoinsCents),
		Cheques:           FormatCents(totals.ChequesCents),
		Grand:             FormatCents(totals.GrandCents),
	}
	if s.RecordedBy != "" {
		data.RecordedBy = dir.DisplayName(s.RecordedBy)
	}
	for _, d := range counting.Denominations {
		count := totals.Bills[d]
		data.Bills = append(data.Bills, TemplateBill{
			Label:  fmt.Sprintf("$%d", d),
			Count:  count,
			Amount: FormatCents(int64(count) * int64(d) * 100),
		})
	}
	for _, e := range s.Envelopes {
		data.Envelopes = append(data.Envelopes, TemplateEnvelope{
			Number:  e.Number,
			Cash:    FormatCents(e.CashCents()),
			Coins:   FormatCents(e.CoinsAmountCents),
			Cheques: FormatCents(e.ChequeAmountCents),
			Total:   FormatCents(e.TotalCents()),
		})
	}
	if info := s.DepositInfo; info != nil {
		data.Deposit = &TemplateDeposit{
			Depositor1:  dir.DisplayName(info.Depositor1),
			Depositor2:  dir.DisplayName(info.Depositor2),
			InitiatedAt: formatTime(&info.InitiatedAt, loc),
			DepositedAt: formatTime(s.DepositedAt, loc),
		}
		if info.VerifiedBy != "" {
			data.Deposit.VerifiedBy = dir.DisplayName(info.VerifiedBy)
		}
	}
	return data
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format("Jan 2, 2006 3:04 PM")
}

// RenderHTML renders the report template with provided data.
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
