package errorpages

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
)

//go:embed templates/*.html
var builtin embed.FS

// 게이트웨이가 직접 응답하는 상태 코드들. 이 외의 코드는 터널 너머의
// 로컬 서비스가 준 응답 그대로 전달되므로 여기서 다루지 않습니다.
var pageStatuses = []int{
	http.StatusNotFound,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// PageData 는 에러 페이지 템플릿에 주입되는 값입니다.
type PageData struct {
	Status    int
	Text      string
	Domain    string
	RequestID string
}

// Renderer 는 상태 코드별 에러 페이지를 렌더링합니다.
type Renderer struct {
	pages map[int]*template.Template
}

// NewRenderer 는 내장 템플릿으로 렌더러를 만듭니다. overrideDir 가 비어 있지
// 않으면 해당 디렉터리의 <status>.html 파일이 내장본보다 우선합니다.
// 오버라이드 파일이 없거나 파싱에 실패한 코드는 내장본으로 남습니다.
func NewRenderer(overrideDir string) (*Renderer, error) {
	r := &Renderer{pages: make(map[int]*template.Template)}
	for _, status := range pageStatuses {
		name := fmt.Sprintf("%d.html", status)
		raw, err := builtin.ReadFile("templates/" + name)
		if err != nil {
			return nil, fmt.Errorf("errorpages: missing builtin template %s: %w", name, err)
		}
		tmpl, err := template.New(name).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("errorpages: parse builtin %s: %w", name, err)
		}

		if overrideDir != "" {
			if custom, err := os.ReadFile(filepath.Join(overrideDir, name)); err == nil {
				if override, perr := template.New(name).Parse(string(custom)); perr == nil {
					tmpl = override
				}
			}
		}
		r.pages[status] = tmpl
	}
	return r, nil
}

// Render 는 status 에 해당하는 페이지를 w 에 씁니다. 템플릿 실행이 실패하거나
// 등록되지 않은 코드면 plain text 로 떨어집니다.
func (r *Renderer) Render(w http.ResponseWriter, status int, data PageData) {
	data.Status = status
	if data.Text == "" {
		data.Text = http.StatusText(status)
	}

	tmpl, ok := r.pages[status]
	if !ok {
		http.Error(w, fmt.Sprintf("%d %s", status, data.Text), status)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		http.Error(w, fmt.Sprintf("%d %s", status, data.Text), status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
