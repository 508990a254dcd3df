package annotate

import (
	"regexp"
	"strings"
)

// Opening tag at the start of the template body: tag name, attribute text,
// optional self-closing slash. Quoted attribute values may contain '>'.
var openingTagRe = regexp.MustCompile(`^<([a-zA-Z][a-zA-Z0-9-]*)((?:"[^"]*"|'[^']*'|[^>"'])*?)(/?)>`)

// annotateTemplate handles single-file template components (.vue). The
// template block is located textually, not through a template-language parse;
// comments containing template-like markers are a known, accepted miss. No
// source map is produced on this path.
func (a *Annotator) annotateTemplate(filePath, code string) Result {
	openAt := strings.Index(code, "<template")
	if openAt < 0 {
		a.logSkip(filePath, "no template block")
		return Result{Code: code}
	}
	markerEnd := strings.IndexByte(code[openAt:], '>')
	if markerEnd < 0 {
		a.logSkip(filePath, "unterminated template marker")
		return Result{Code: code}
	}
	bodyStart := openAt + markerEnd + 1

	closeAt := strings.LastIndex(code, "</template>")
	if closeAt < 0 || closeAt < bodyStart {
		a.logSkip(filePath, "no closing template marker")
		return Result{Code: code}
	}

	body := code[bodyStart:closeAt]
	trimmed := strings.TrimLeft(body, " \t\r\n")
	tagAt := bodyStart + len(body) - len(trimmed)

	m := openingTagRe.FindStringSubmatch(trimmed)
	if m == nil {
		a.logSkip(filePath, "no root tag in template")
		return Result{Code: code}
	}
	tag, attrs, selfClose := m[1], m[2], m[3]

	if strings.Contains(attrs, Attribute) {
		a.logSkip(filePath, "already annotated")
		return Result{Code: code}
	}

	value := a.componentValue(filePath)
	escaped := strings.ReplaceAll(value, `"`, "&quot;")
	newTag := "<" + tag + attributeText(escaped) + attrs + selfClose + ">"

	out := code[:tagAt] + newTag + code[tagAt+len(m[0]):]
	a.logAnnotated(filePath, value)
	return Result{Code: out, Changed: true}
}
