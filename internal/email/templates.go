package email

import (
	"strings"
	"text/template"
	"time"
)

// TranscriptLine is one exchange of a funnel transcript.
type TranscriptLine struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

type AnalysisData struct {
	SessionUUID   string
	CustomerEmail string
	Tier          string
	Amount        string
	PaidAt        time.Time
	Answers       map[string]any
	Comments      string
	Transcript    []TranscriptLine
}

type ConfirmationData struct {
	SessionUUID string
	Tier        string
	Amount      string
}

var funcs = template.FuncMap{
	"speaker": func(role string) string {
		if role == "assistant" {
			return "Assistant"
		}
		return "Client"
	},
	"ts": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") },
}

var analysisTmpl = template.Must(template.New("analysis").Funcs(funcs).Parse(
	`Nouvelle demande d'analyse payée

Session : {{.SessionUUID}}
Client : {{if .CustomerEmail}}{{.CustomerEmail}}{{else}}(email non fourni){{end}}
Offre : {{.Tier}} ({{.Amount}})
Payé le : {{ts .PaidAt}} UTC
{{if .Answers}}
Réponses au questionnaire :
{{range $k, $v := .Answers}}- {{$k}} : {{$v}}
{{end}}{{end}}
Commentaires : {{if .Comments}}{{.Comments}}{{else}}(aucun){{end}}

Conversation :
{{range .Transcript}}[{{ts .CreatedAt}}] {{speaker .Role}} : {{.Content}}
{{end}}`))

var confirmationTmpl = template.Must(template.New("confirmation").Parse(
	`Bonjour,

Nous avons bien reçu votre paiement de {{.Amount}} pour l'offre {{.Tier}}.
Un juriste étudie votre dossier et vous répondra par email sous 48 heures.

Référence : {{.SessionUUID}}

Merci de votre confiance.
`))

func RenderAnalysis(d AnalysisData) (subject, body string, err error) {
	var b strings.Builder
	if err := analysisTmpl.Execute(&b, d); err != nil {
		return "", "", err
	}
	return "Analyse à réaliser - " + d.Tier + " - " + d.SessionUUID, b.String(), nil
}

func RenderConfirmation(d ConfirmationData) (subject, body string, err error) {
	var b strings.Builder
	if err := confirmationTmpl.Execute(&b, d); err != nil {
		return "", "", err
	}
	return "Confirmation de votre paiement", b.String(), nil
}
