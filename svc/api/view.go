package api

import (
	"html/template"
	"net/http"

	"ephemera/pkg/domain"
	"ephemera/svc/util"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var supportedLangs = []language.Tag{
	language.English,
	language.German,
	language.French,
	language.Spanish,
}

var langMatcher = language.NewMatcher(supportedLangs)

func init() {
	for tag, msgs := range map[language.Tag][4]string{
		language.German:  {"Paste", "Verbleibende Aufrufe: %d", "Läuft ab: %s", "Paste nicht verfügbar"},
		language.French:  {"Paste", "Vues restantes : %d", "Expire : %s", "Paste indisponible"},
		language.Spanish: {"Paste", "Vistas restantes: %d", "Caduca: %s", "Paste no disponible"},
	} {
		message.SetString(tag, "Paste", msgs[0])
		message.SetString(tag, "Views remaining: %d", msgs[1])
		message.SetString(tag, "Expires: %s", msgs[2])
		message.SetString(tag, "Paste Unavailable", msgs[3])
	}
	message.SetString(language.German, "This paste does not exist, has expired, or has reached its view limit.",
		"Dieses Paste existiert nicht, ist abgelaufen oder hat sein Aufruflimit erreicht.")
	message.SetString(language.French, "This paste does not exist, has expired, or has reached its view limit.",
		"Ce paste n'existe pas, a expiré ou a atteint sa limite de vues.")
	message.SetString(language.Spanish, "This paste does not exist, has expired, or has reached its view limit.",
		"Este paste no existe, ha caducado o ha alcanzado su límite de vistas.")
}

const pageCSP = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none';"

var pasteTmpl = template.Must(template.New("paste").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 40px; }
.paste-container { border: 1px solid #ddd; padding: 20px; background-color: #f9f9f9; white-space: pre-wrap; word-wrap: break-word; }
.meta { color: #666; margin-bottom: 20px; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Missing}}<p>{{.Message}}</p>{{else}}<div class="meta">
{{with .Remaining}}<p>{{.}}</p>{{end}}
{{with .Expires}}<p>{{.}}</p>{{end}}
</div>
<pre class="paste-container">{{.Content}}</pre>{{end}}
</body>
</html>
`))

type pageData struct {
	Lang      string
	Title     string
	Missing   bool
	Message   string
	Remaining string
	Expires   string
	Content   string
}

// ViewPaste renders the paste as HTML. Content goes through html/template, so markup in a
// paste is shown, never executed. Both miss reasons render the same page.
func (h *Hdl) ViewPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	_, idx, _ := langMatcher.Match(acceptLanguage(r)...)
	tag := supportedLangs[idx]
	base, _ := tag.Base()
	p := message.NewPrinter(tag)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", pageCSP)

	view, err := h.paste.FetchAndConsume(r.Context(), id, h.now(r))
	if err != nil {
		logMiss(r, err)
		err = domain.Public(err)
		status := domain.Status(err)
		data := pageData{Lang: base.String(), Missing: true}
		if status == http.StatusNotFound {
			data.Title = p.Sprintf("Paste Unavailable")
			data.Message = p.Sprintf("This paste does not exist, has expired, or has reached its view limit.")
		} else {
			util.Error().Err(err).Str("request_id", requestID).Msg("html view failed")
			data.Title = http.StatusText(status)
			data.Message = "request id " + requestID
		}
		w.WriteHeader(status)
		if err := pasteTmpl.Execute(w, data); err != nil {
			util.Warn().Err(err).Str("request_id", requestID).Msg("render miss page")
		}
		return
	}
	data := pageData{
		Lang:    base.String(),
		Title:   p.Sprintf("Paste"),
		Content: view.Content,
	}
	if view.RemainingViews != nil {
		data.Remaining = p.Sprintf("Views remaining: %d", *view.RemainingViews)
	}
	if view.ExpiresAt != nil {
		data.Expires = p.Sprintf("Expires: %s", view.ExpiresAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if err := pasteTmpl.Execute(w, data); err != nil {
		util.Warn().Err(err).Str("request_id", requestID).Msg("render paste page")
	}
}

func acceptLanguage(r *http.Request) []language.Tag {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil {
		return nil
	}
	return tags
}
