package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devicelab-dev/droid-agent/pkg/core"
)

// HTMLConfig contains configuration for HTML report generation.
type HTMLConfig struct {
	OutputPath  string // Path to write the HTML file (default: <reportDir>/report.html)
	EmbedAssets bool   // Embed screenshots as base64 (makes file larger but portable)
	Title       string // Report title (default: meta title from report_data.json)
}

// GenerateHTML renders report.html from report_data.json in reportDir.
func GenerateHTML(reportDir string, cfg HTMLConfig) error {
	data, err := ReadData(reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	if cfg.Title == "" {
		cfg.Title = data.Meta.Title
	}
	if cfg.Title == "" {
		cfg.Title = "Agent Report"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(reportDir, core.FileReportHTML)
	}

	html, err := renderHTML(buildHTMLData(reportDir, data, cfg))
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	if err := os.WriteFile(cfg.OutputPath, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

// HTMLData contains all data needed for the HTML template.
type HTMLData struct {
	Title       string
	GeneratedAt string
	Meta        Meta
	StatusClass string
	Substeps    []SubstepHTMLData
	EventCount  int
	JSONData    template.JS // events for the viewer script
}

// SubstepHTMLData is one row of the sub-goal table.
type SubstepHTMLData struct {
	SubGoalResult
	StatusClass string
}

func buildHTMLData(reportDir string, data *Data, cfg HTMLConfig) HTMLData {
	substeps := make([]SubstepHTMLData, len(data.Substeps))
	for i, s := range data.Substeps {
		substeps[i] = SubstepHTMLData{SubGoalResult: s, StatusClass: string(StatusOf(s.OK))}
	}

	events := data.Events
	if cfg.EmbedAssets {
		events = make([]Event, len(data.Events))
		for i, e := range data.Events {
			if e.Image != "" {
				if embedded := loadAsBase64(filepath.Join(reportDir, e.Image)); embedded != "" {
					e.Image = embedded
				}
			}
			events[i] = e
		}
	}
	if events == nil {
		events = []Event{}
	}

	jsonBytes, _ := json.Marshal(events)

	return HTMLData{
		Title:       cfg.Title,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		Meta:        data.Meta,
		StatusClass: string(StatusOf(data.Meta.OK)),
		Substeps:    substeps,
		EventCount:  len(events),
		JSONData:    template.JS(jsonBytes),
	}
}

func loadAsBase64(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(path))
	mimeType := core.ContentTypePNG
	if ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

func renderHTML(data HTMLData) (string, error) {
	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        :root {
            --bg-primary: #ffffff;
            --bg-secondary: #f9fafb;
            --text-primary: #000000;
            --text-secondary: rgb(75, 85, 99);
            --text-muted: rgb(107, 114, 128);
            --border-color: #e5e7eb;
            --passed: #22c55e;
            --passed-bg: rgba(34, 197, 94, 0.1);
            --failed: #ef4444;
            --failed-bg: rgba(239, 68, 68, 0.08);
            --accent: #06b6d4;
        }

        * {
            box-sizing: border-box;
            margin: 0;
            padding: 0;
        }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            line-height: 1.5;
        }

        .header {
            background: var(--bg-secondary);
            border-bottom: 1px solid var(--border-color);
            padding: 16px 24px;
            display: flex;
            align-items: center;
            justify-content: space-between;
        }

        .header h1 {
            font-size: 18px;
            font-weight: 600;
        }

        .generated {
            font-size: 12px;
            color: var(--text-muted);
        }

        .badge {
            display: inline-block;
            padding: 2px 10px;
            border-radius: 999px;
            font-size: 12px;
            font-weight: 600;
            text-transform: uppercase;
        }

        .badge.passed { color: var(--passed); background: var(--passed-bg); }
        .badge.failed { color: var(--failed); background: var(--failed-bg); }

        main {
            padding: 16px 24px;
        }

        .info .row {
            margin: 4px 0;
            color: var(--text-secondary);
        }

        .info .row strong {
            color: var(--text-primary);
        }

        table.substeps {
            border-collapse: collapse;
            margin: 16px 0;
            width: 100%;
        }

        table.substeps th, table.substeps td {
            border: 1px solid var(--border-color);
            padding: 6px 10px;
            text-align: left;
            vertical-align: top;
            font-size: 14px;
        }

        .viewer {
            display: flex;
            gap: 16px;
            align-items: flex-start;
            margin-top: 16px;
        }

        .viewer img {
            max-width: 60vw;
            max-height: 80vh;
            height: auto;
            border: 1px solid var(--border-color);
            border-radius: 4px;
        }

        .slider {
            width: 100%;
            margin: 8px 0;
        }

        .controls button {
            padding: 4px 12px;
            border: 1px solid var(--border-color);
            background: var(--bg-secondary);
            border-radius: 4px;
            cursor: pointer;
        }

        .meta {
            min-width: 300px;
            max-width: 40vw;
        }

        .meta .row {
            margin: 4px 0;
            word-break: break-word;
        }

        .coords {
            font-weight: bold;
            color: var(--failed);
        }

        .empty {
            color: var(--text-muted);
            margin-top: 16px;
        }

        video {
            max-width: 60vw;
            margin-top: 16px;
        }
    </style>
</head>
<body>
    <div class="header">
        <div>
            <h1>{{.Title}}</h1>
            <div class="generated">Generated {{.GeneratedAt}}</div>
        </div>
        <span class="badge {{.StatusClass}}">{{.Meta.Result}}</span>
    </div>
    <main>
        <div class="info">
            <div class="row"><strong>Package:</strong> {{.Meta.Package}}</div>
            {{if .Meta.Goal}}<div class="row"><strong>Goal:</strong> {{.Meta.Goal}}</div>{{end}}
            {{if .Meta.Suggestions}}<div class="row"><strong>Suggestions:</strong> {{.Meta.Suggestions}}</div>{{end}}
            {{if .Meta.NegativePrompt}}<div class="row"><strong>Negative prompt:</strong> {{.Meta.NegativePrompt}}</div>{{end}}
            {{if .Meta.SuccessCriteria}}<div class="row"><strong>Success criteria:</strong> {{.Meta.SuccessCriteria}}</div>{{end}}
            <div class="row"><strong>Executed:</strong> {{.Meta.Executed}}</div>
        </div>

        {{if .Substeps}}
        <table class="substeps">
            <thead>
                <tr><th>#</th><th>Goal</th><th>Success criteria</th><th>Turns</th><th>Result</th></tr>
            </thead>
            <tbody>
            {{range .Substeps}}
                <tr>
                    <td>{{.Index}}</td>
                    <td>{{.Goal}}</td>
                    <td>{{.SuccessCriteria}}</td>
                    <td>{{.Turns}}</td>
                    <td><span class="badge {{.StatusClass}}">{{.StatusClass}}</span></td>
                </tr>
            {{end}}
            </tbody>
        </table>
        {{end}}

        {{if .Meta.Video}}<video controls src="{{.Meta.Video}}"></video>{{end}}

        {{if gt .EventCount 0}}
        <div class="viewer">
            <div>
                <img id="shot" src="" alt="screenshot">
                <input id="range" class="slider" type="range" min="1" max="{{.EventCount}}" value="1">
                <div class="controls">
                    <button id="prev">Prev</button>
                    <button id="next">Next</button>
                </div>
            </div>
            <div class="meta">
                <div class="row"><strong>Index:</strong> <span id="idx"></span></div>
                <div class="row"><strong>Sub-goal:</strong> <span id="substep"></span></div>
                <div class="row"><strong>Command:</strong> <span id="cmd"></span></div>
                <div class="row"><strong>Click:</strong> <span id="coords" class="coords"></span></div>
                <div class="row"><strong>Screen:</strong> <span id="screen"></span></div>
                <div class="row"><strong>Reason:</strong> <span id="reason"></span></div>
                <div class="row"><strong>Details:</strong> <span id="details"></span></div>
            </div>
        </div>
        {{else}}
        <div class="empty">No events were recorded.</div>
        {{end}}
    </main>
    <script>
        const events = {{.JSONData}};
        const $ = (id) => document.getElementById(id);

        function show(i) {
            const ev = events[i];
            if (!ev) return;
            $('shot').src = ev.image || '';
            $('idx').textContent = ev.index ?? (i + 1);
            $('substep').textContent = ev.substep ?? '-';
            $('cmd').textContent = ev.cmd ?? '';
            $('coords').textContent = (ev.x !== undefined && ev.y !== undefined) ? '(' + ev.x + ', ' + ev.y + ')' : '-';
            $('screen').textContent = ev.physical ? ev.physical + ' @' + (ev.rotation ?? 0) + '° canvas ' + (ev.canvas || '') : '-';
            $('reason').textContent = ev.reason || '-';
            const det = {...ev};
            ['image', 'cmd', 'index', 'substep', 'x', 'y', 'physical', 'rotation', 'canvas', 'reason'].forEach((k) => delete det[k]);
            $('details').textContent = Object.keys(det).length ? JSON.stringify(det) : '-';
            $('range').value = i + 1;
        }

        if (events.length > 0) {
            const range = $('range');
            range.addEventListener('input', () => show(parseInt(range.value, 10) - 1));
            $('prev').addEventListener('click', () => show(Math.max(0, parseInt(range.value, 10) - 2)));
            $('next').addEventListener('click', () => show(Math.min(events.length - 1, parseInt(range.value, 10))));
            document.addEventListener('keydown', (e) => {
                if (e.key === 'ArrowLeft') $('prev').click();
                if (e.key === 'ArrowRight') $('next').click();
            });
            show(0);
        }
    </script>
</body>
</html>
`
