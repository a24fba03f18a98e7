package activities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/durable/internal/activity"
)

// TransformInput — вход activity "transform".
type TransformInput struct {
	// Template — произвольное JSON значение; строки внутри рендерятся
	// как Go templates.
	Template any `json:"template"`

	// Vars — переменные, доступные в шаблонах как {{ .Vars.name }}.
	Vars map[string]any `json:"vars"`
}

// TemplateData — данные для рендеринга шаблонов.
//
//   - {{ .Vars.name }}
//   - {{ .Activity.WorkflowID }}, {{ .Activity.Attempt }}
//   - {{ .Headers.key }}
type TemplateData struct {
	Vars     map[string]any
	Activity TemplateActivity
	Headers  map[string]string
}

// TemplateActivity — метаданные попытки, доступные в шаблонах.
type TemplateActivity struct {
	ID         string
	Type       string
	WorkflowID string
	RunID      string
	Attempt    int
	RunIdem    string
}

// Transform рендерит Template и возвращает результат. Нестроковые
// значения (числа, bool) возвращаются как есть.
type Transform struct{}

// Execute выполняет рендеринг.
func (t *Transform) Execute(actx *activity.Context, input json.RawMessage) (any, error) {
	var in TransformInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Vars == nil {
		in.Vars = make(map[string]any)
	}

	md := actx.Metadata()
	data := &TemplateData{
		Vars: in.Vars,
		Activity: TemplateActivity{
			ID:         md.ActivityID,
			Type:       md.ActivityType,
			WorkflowID: md.WorkflowID,
			RunID:      md.WorkflowRunID,
			Attempt:    md.Attempt,
			RunIdem:    actx.RunIdem(),
		},
		Headers: md.Headers,
	}

	return RenderValue(in.Template, data)
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// Render рендерит строковый шаблон. Строка без "{{" возвращается как есть.
func Render(tmpl string, data *TemplateData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рекурсивно рендерит строки внутри map и slice.
func RenderValue(value any, data *TemplateData) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil

	case string:
		return Render(v, data)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, data)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, data)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}
