package reporter

import (
	"fmt"
	"html/template"
	"io"
	"strings"
)

const htmlTemplate = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>nfit Entitlement Report - {{.RunID}}</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f5f7fa;
            color: #333;
            padding: 20px;
            line-height: 1.6;
        }
        .container {
            max-width: 1400px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0, 0, 0, 0.1);
            overflow: hidden;
        }
        .header {
            background: linear-gradient(135deg, #1f4e79 0%, #0f2a44 100%);
            color: white;
            padding: 40px;
        }
        .header h1 {
            font-size: 2.4em;
            margin-bottom: 10px;
        }
        .header .meta {
            opacity: 0.9;
            font-size: 0.95em;
        }
        .summary {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(200px, 1fr));
            gap: 20px;
            padding: 30px 40px;
        }
        .summary-card {
            background: #f8f9fa;
            border-radius: 8px;
            padding: 20px;
            border-left: 4px solid #1f4e79;
        }
        .summary-card h3 {
            font-size: 0.85em;
            text-transform: uppercase;
            color: #666;
        }
        .summary-card .value {
            font-size: 2em;
            font-weight: bold;
        }
        .section {
            padding: 30px 40px;
        }
        .section h2 {
            margin-bottom: 20px;
        }
        .results-table {
            width: 100%;
            border-collapse: collapse;
            font-size: 0.9em;
        }
        .results-table th {
            background: #f1f3f4;
            text-align: left;
            padding: 10px;
        }
        .results-table td {
            padding: 10px;
            border-bottom: 1px solid #eee;
            font-family: monospace;
        }
        .na {
            color: #999;
        }
        .flag-badge {
            display: inline-block;
            padding: 2px 8px;
            margin: 1px;
            border-radius: 10px;
            background: #fef7e0;
            color: #8a6d00;
            font-size: 0.8em;
        }
        .diag-kind {
            font-weight: bold;
        }
        .footer {
            padding: 20px 40px;
            text-align: center;
            color: #888;
            font-size: 0.85em;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>nfit Entitlement Report</h1>
            <div class="meta">
                <p><strong>Run:</strong> {{.RunID}} | <strong>Dataset:</strong> {{.Fingerprint}}</p>
                <p><strong>Generated:</strong> {{.GeneratedAt.Format "January 2, 2006 15:04:05 MST"}}</p>
            </div>
        </div>

        <div class="summary">
            <div class="summary-card">
                <h3>Entities Analyzed</h3>
                <div class="value">{{.EntityCount}}</div>
            </div>
            <div class="summary-card">
                <h3>Downsized Results</h3>
                <div class="value">{{.DownsizedCount}}</div>
            </div>
            <div class="summary-card">
                <h3>Unavailable Results</h3>
                <div class="value">{{.UnavailableCount}}</div>
            </div>
            <div class="summary-card">
                <h3>Synthetic Configurations</h3>
                <div class="value">{{.SyntheticCount}}</div>
            </div>
        </div>

        <div class="section">
            <h2>Recommended Entitlement</h2>
            <table class="results-table">
                <thead>
                    <tr>
                        <th>Entity</th>
                        {{range .Profiles}}<th>{{.}}</th>{{end}}
                        <th>Pressure</th>
                    </tr>
                </thead>
                <tbody>
                    {{range .Entities}}
                    <tr>
                        <td><strong>{{.EntityID}}</strong>{{if .Synthetic}} *{{end}}</td>
                        {{$row := .}}{{range $i, $p := $.Profiles}}{{$cell := $row.Cell $i}}<td{{if eq $cell "N/A"}} class="na"{{end}}>{{$cell}}</td>{{end}}
                        <td>{{range flags .}}<span class="flag-badge">{{.}}</span>{{end}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>

        {{if .Diagnostics}}
        <div class="section">
            <h2>Diagnostics</h2>
            <table class="results-table">
                <tbody>
                    {{range .Diagnostics}}
                    <tr>
                        <td class="diag-kind">{{.Kind}}</td>
                        <td>{{.EntityID}}{{if .Profile}}/{{.Profile}}{{end}}</td>
                        <td>{{.Message}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        <div class="footer">
            <p>Generated by <strong>nfit</strong>{{if .SyntheticCount}} | * configuration synthesized from observed peak{{end}}</p>
        </div>
    </div>
</body>
</html>
`

// entityFlags collects the distinct pressure flags across an entity's profiles
func entityFlags(row *EntityRow) []string {
	var out []string
	seen := map[string]bool{}
	for _, res := range row.Results {
		if res == nil {
			continue
		}
		for _, f := range res.PressureFlags {
			if !seen[f] {
				seen[f] = true
				out = append(out, strings.ReplaceAll(f, "_", " "))
			}
		}
	}
	return out
}

// GenerateHTML creates an HTML report
func GenerateHTML(report *Report, writer io.Writer) error {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"flags": entityFlags,
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(writer, report); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}
