package prompt

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Options: 提示词配置。模板以 inline 优先、路径次之、内置默认兜底。
// 模板可引用 {{.SourceLanguage}} 与 {{.TargetLanguage}}。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template" yaml:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path" yaml:"system_template_path"`
	InlinePrefixTemplate string `json:"inline_prefix_template" yaml:"inline_prefix_template"`
	PrefixTemplatePath   string `json:"prefix_template_path" yaml:"prefix_template_path"`
	// 术语对照表（可选）：若提供则以 <glossary> 拼接进 system 尾部。
	InlineGlossary string `json:"inline_glossary" yaml:"inline_glossary"`
	GlossaryPath   string `json:"glossary_path" yaml:"glossary_path"`
	SourceLanguage string `json:"source_language" yaml:"source_language"`
	TargetLanguage string `json:"target_language" yaml:"target_language"`
}

// Builder: 渲染后的 system 与块前缀。
// 模板在构造期加载并渲染（构造期 I/O），运行期纯计算、可并发使用。
type Builder struct {
	system string
	prefix string
}

type vars struct {
	SourceLanguage string
	TargetLanguage string
}

// New 创建 Builder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	v := vars{SourceLanguage: strings.TrimSpace(o.SourceLanguage), TargetLanguage: strings.TrimSpace(o.TargetLanguage)}

	sysSrc, err := pick(o.InlineSystemTemplate, o.SystemTemplatePath, defaultSystemTemplate)
	if err != nil {
		return nil, fmt.Errorf("system template read: %w", err)
	}
	sys, err := render("system", sysSrc, v)
	if err != nil {
		return nil, err
	}
	glos, err := pick(o.InlineGlossary, o.GlossaryPath, "")
	if err != nil {
		return nil, fmt.Errorf("glossary read: %w", err)
	}
	if glos != "" {
		var sb strings.Builder
		sb.Grow(len(sys) + len(glos) + 32)
		sb.WriteString(sys)
		sb.WriteString("\n\n<glossary>\n")
		sb.WriteString(glos)
		if !strings.HasSuffix(glos, "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString("</glossary>")
		sys = sb.String()
	}

	preSrc, err := pick(o.InlinePrefixTemplate, o.PrefixTemplatePath, defaultPrefixTemplate)
	if err != nil {
		return nil, fmt.Errorf("prefix template read: %w", err)
	}
	pre, err := render("prefix", preSrc, v)
	if err != nil {
		return nil, err
	}
	return &Builder{system: strings.TrimSpace(sys), prefix: strings.TrimSpace(pre)}, nil
}

func pick(inline, path, def string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return def, nil
}

func render(name, src string, v vars) (string, error) {
	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("%s template parse: %v: %w", name, err, contract.ErrInvalidConfig)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("%s template render: %v: %w", name, err, contract.ErrInvalidConfig)
	}
	return buf.String(), nil
}

// System 返回 system 指令。
func (b *Builder) System() string { return b.system }

// Prefix 返回块前缀。
func (b *Builder) Prefix() string { return b.prefix }

// User 以前缀包装块文本。
func (b *Builder) User(chunk string) string {
	if b.prefix == "" {
		return chunk
	}
	return b.prefix + "\n\n" + chunk
}

// EstimateOverheadTokens: 与块无关的固定开销（system + 前缀）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	return estimate(b.system) + estimate(b.prefix)
}

const defaultSystemTemplate = `You are a meticulous text processor.
{{- if .TargetLanguage}}
Translate the user's text{{if .SourceLanguage}} from {{.SourceLanguage}}{{end}} into {{.TargetLanguage}}.
{{- end}}
Preserve paragraph breaks, lists and inline formatting. Do not summarize, omit or add content.
Reply with the processed text only: no preamble, no notes, no code fences.`

const defaultPrefixTemplate = `{{if .TargetLanguage}}Translate into {{.TargetLanguage}}:{{else}}Process the following text:{{end}}`
