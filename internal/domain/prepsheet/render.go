package prepsheet

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var sheetTmpl = template.Must(template.New("prepsheet").Funcs(template.FuncMap{
	"date": func(t interface{ Format(string) string }) string {
		return t.Format("Jan 2, 2006")
	},
	"datetime": func(t interface{ Format(string) string }) string {
		return t.Format("Jan 2, 2006 15:04")
	},
	"label": func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(s, "_", " "))
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.SafeTitle}}</title>
<style>
body { font-family: Georgia, serif; margin: 2em; color: #1a1a1a; }
h1 { font-size: 1.4em; border-bottom: 2px solid #2c5f7c; padding-bottom: 4px; }
h2 { font-size: 1.1em; color: #2c5f7c; margin-top: 1.4em; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 4px 10px; border-bottom: 1px solid #ddd; }
th { background: #f0f4f7; font-size: 0.85em; }
.status-overdue { color: #a02020; font-weight: bold; }
.status-due { color: #a05a20; font-weight: bold; }
.status-due_soon { color: #867117; }
.status-complete { color: #2a7a2a; }
.meta { color: #666; font-size: 0.85em; }
</style>
</head>
<body>
<h1>Screening Prep Sheet</h1>
<p class="meta">Generated {{datetime .GeneratedAt}}</p>

<h2>Patient</h2>
<table>
<tr><th>Name</th><th>MRN</th><th>Sex</th><th>Date of Birth</th><th>Age</th></tr>
<tr>
<td>{{.Demographics.LastName}}, {{.Demographics.FirstName}}</td>
<td>{{.Demographics.MRN}}</td>
<td>{{.Demographics.Sex}}</td>
<td>{{date .Demographics.BirthDate}}</td>
<td>{{.Demographics.Age}}</td>
</tr>
</table>

<h2>Screenings ({{.Summary}})</h2>
{{range .Groups}}
<h3 class="status-{{.Status}}">{{label .Status}}</h3>
<table>
<tr><th>Screening</th><th>Last Completed</th><th>Next Due</th></tr>
{{range .Items}}
<tr>
<td>{{.TypeName}}{{if .Dormant}} (dormant){{end}}</td>
<td>{{if .LastCompleted}}{{date .LastCompleted}}{{else}}&mdash;{{end}}</td>
<td>{{if .NextDue}}{{date .NextDue}}{{else}}&mdash;{{end}}</td>
</tr>
{{end}}
</table>
{{end}}

<h2>Recent Documents</h2>
{{if .RecentDocuments}}
<table>
<tr><th>Title</th><th>Category</th><th>Source</th><th>Date</th></tr>
{{range .RecentDocuments}}
<tr><td>{{.Title}}</td><td>{{.Category}}</td><td>{{.Source}}</td><td>{{date .Date}}</td></tr>
{{end}}
</table>
{{else}}
<p class="meta">None within the recency window.</p>
{{end}}

<h2>Upcoming Appointments</h2>
{{if .UpcomingAppointments}}
<table>
<tr><th>When</th><th>Type</th><th>Status</th></tr>
{{range .UpcomingAppointments}}
<tr><td>{{datetime .Scheduled}}</td><td>{{.Type}}</td><td>{{.Status}}</td></tr>
{{end}}
</table>
{{else}}
<p class="meta">None scheduled.</p>
{{end}}

</body>
</html>
`))

// RenderHTML renders the sheet with the static theme.
func RenderHTML(sheet *Sheet) ([]byte, error) {
	var buf bytes.Buffer
	if err := sheetTmpl.Execute(&buf, sheet); err != nil {
		return nil, fmt.Errorf("execute prep-sheet template: %w", err)
	}
	return buf.Bytes(), nil
}
