package view

import (
	"bytes"
	"html/template"
	"time"
)

// ConsentPageData provides the dynamic fields required by the consent template.
type ConsentPageData struct {
	Title string
	// Required reports whether analytics wait for an explicit opt-in.
	Required bool
	// Granted is the visitor's effective consent state.
	Granted   bool
	Decided   bool
	ExpiresAt *time.Time
	// Endpoint receives POST {"granted": bool}.
	Endpoint string
}

var consentPageTmpl = template.Must(template.New("consent_page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{with .Title}}{{.}}{{else}}Analytics preferences{{end}}</title>
<style>
body { margin: 0; font: 16px/1.5 system-ui, sans-serif; color: #1f2933; background: #f5f7fa; }
main { max-width: 40rem; margin: 4rem auto; padding: 0 1.25rem; }
h1 { font-size: 1.4rem; margin: 0 0 .5rem; }
.notice { color: #52606d; }
.setting { margin: 1.5rem 0; padding: 1rem 1.25rem; background: #fff; border-left: 4px solid #3e7bfa; }
.setting strong { display: block; font-size: .75rem; letter-spacing: .06em; text-transform: uppercase; color: #7b8794; }
form { display: flex; gap: .75rem; }
button { font: inherit; padding: .6rem 1.4rem; border-radius: 4px; border: 1px solid #3e7bfa; cursor: pointer; }
button[value=true] { background: #3e7bfa; color: #fff; }
button[value=false] { background: #fff; color: #3e7bfa; }
small { display: block; margin-top: 1rem; color: #7b8794; }
</style>
</head>
<body>
<main>
<h1>Analytics preferences</h1>
<p class="notice">This site counts page views and visits to learn how it is used.
Session identifiers are stored only as keyed hashes and IP addresses are
{{if .Required}}not used until you opt in{{else}}anonymized before storage{{end}}.</p>

<div class="setting">
<strong>Current setting</strong>
<span id="state">{{if .Granted}}Analytics allowed{{else}}Analytics off{{end}}{{if not .Decided}} (site default){{end}}</span>
</div>

<form id="consent">
<button type="submit" name="granted" value="true">Allow analytics</button>
<button type="submit" name="granted" value="false">Decline</button>
</form>

<small id="meta">{{if .ExpiresAt}}Your choice is kept until {{.ExpiresAt.Format "2006-01-02"}}.{{else if .Decided}}Your choice is kept in a cookie on this device.{{else}}You have not made a choice yet.{{end}}</small>
</main>
<script>
document.getElementById("consent").addEventListener("submit", async (ev) => {
	ev.preventDefault();
	const granted = ev.submitter.value === "true";
	const meta = document.getElementById("meta");
	const res = await fetch({{.Endpoint}}, {
		method: "POST",
		headers: { "Content-Type": "application/json" },
		body: JSON.stringify({ granted }),
		credentials: "same-origin",
	});
	if (!res.ok) {
		meta.textContent = "Your choice could not be saved. Please try again.";
		return;
	}
	const body = await res.json();
	document.getElementById("state").textContent = body.granted ? "Analytics allowed" : "Analytics off";
	meta.textContent = "Your choice is kept until " + body.expires_at.slice(0, 10) + ".";
});
</script>
</body>
</html>
`))

// RenderConsentPage expands the consent page template with the provided data.
func RenderConsentPage(data ConsentPageData) (string, error) {
	if data.Endpoint == "" {
		data.Endpoint = "/api/consent"
	}
	var buf bytes.Buffer
	if err := consentPageTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
