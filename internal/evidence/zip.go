package evidence

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/nvidales/adrsynth/internal/llm"
)

// codeExtensions are the file types extraction considers source code.
var codeExtensions = map[string]bool{
	".py":   true,
	".ts":   true,
	".tsx":  true,
	".js":   true,
	".java": true,
	".xml":  true,
	".php":  true,
	".tf":   true,
}

// configNames are build and project files extracted regardless of extension.
var configNames = map[string]bool{
	"package.json":      true,
	"pom.xml":           true,
	"build.gradle":      true,
	"requirements.txt":  true,
	"pipfile":           true,
	"composer.json":     true,
	"tsconfig.json":     true,
	"webpack.config.js": true,
}

// ZipExtractor reads evidence bundles from zip archives. Oversized files are
// summarized through the completion service when one is configured.
type ZipExtractor struct {
	completion llm.Completion
	log        Logger
}

// NewZipExtractor returns an extractor. Both collaborators may be nil: without
// a completion service oversized files are kept in full, and without a logger
// diagnostics are dropped.
func NewZipExtractor(completion llm.Completion, log Logger) *ZipExtractor {
	return &ZipExtractor{completion: completion, log: log}
}

var _ Extractor = (*ZipExtractor)(nil)

// Extract reads the bundle, classifies its entries, and renders up to
// limits.MaxFiles source files. Files larger than limits.MaxFileSize are
// summarized. The returned Meta has no Variant; the calling stage fills it.
func (z *ZipExtractor) Extract(ctx context.Context, bundle string, limits Limits) (Evidence, Meta, error) {
	limits = limits.withDefaults()

	reader, err := zip.OpenReader(bundle)
	if err != nil {
		return Evidence{}, Meta{}, &ExtractionError{Bundle: bundle, Err: err}
	}
	defer reader.Close()

	var candidates []*zip.File
	var all []string
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		all = append(all, f.Name)
		if isSourceFile(f.Name) {
			candidates = append(candidates, f)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	if len(candidates) > limits.MaxFiles {
		candidates = candidates[:limits.MaxFiles]
	}

	files := make(map[string]string, len(candidates))
	for _, f := range candidates {
		if err := ctx.Err(); err != nil {
			return Evidence{}, Meta{}, &ExtractionError{Bundle: bundle, Err: err}
		}
		content, err := readEntry(f)
		if err != nil {
			z.printf("evidence: skipping %s: %v", f.Name, err)
			continue
		}
		if len(content) > limits.MaxFileSize && limits.SummarizeLarge {
			content = z.summarize(ctx, f.Name, content)
		}
		files[f.Name] = content
	}

	meta := Meta{TotalFiles: len(files)}
	for _, content := range files {
		if strings.HasPrefix(content, "[SUMMARIZED") {
			meta.SummarizedFiles++
		}
	}
	meta.FullFiles = meta.TotalFiles - meta.SummarizedFiles

	ev := Evidence{
		Structure: formatStructure(all),
		Files:     files,
		Combined:  combine(files),
	}
	return ev, meta, nil
}

func (z *ZipExtractor) printf(format string, args ...any) {
	if z.log != nil {
		z.log.Printf(format, args...)
	}
}

// summarize condenses one oversized file. On any failure the original content
// is kept so a flaky completion service never drops evidence.
func (z *ZipExtractor) summarize(ctx context.Context, name, content string) string {
	if z.completion == nil {
		return content
	}
	resp, err := z.completion.Complete(ctx, llm.Request{
		System: "You are an expert software architect. Summarize source code precisely, keeping every architecturally relevant detail.",
		Prompt: summaryPrompt(name, content),
	})
	if err != nil {
		z.printf("evidence: summarize %s: %v", name, err)
		return content
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return content
	}
	return fmt.Sprintf("[SUMMARIZED - Original size: %d chars, Summary size: %d chars] %s",
		len(content), len(summary), summary)
}

func summaryPrompt(name, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this %s file for architecture analysis.\n\n", fileTypeLabel(name))
	b.WriteString("Capture:\n")
	b.WriteString("- Purpose and responsibilities\n")
	b.WriteString("- Key components, classes, functions, and resources\n")
	b.WriteString("- Dependencies and integration points\n")
	b.WriteString("- Configuration and infrastructure details\n\n")
	fmt.Fprintf(&b, "File: %s\n\n%s", name, content)
	return b.String()
}

func fileTypeLabel(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".py":
		return "Python"
	case ".ts", ".tsx":
		return "TypeScript"
	case ".js":
		return "JavaScript"
	case ".java":
		return "Java"
	case ".xml":
		return "XML"
	case ".php":
		return "PHP"
	case ".tf":
		return "Terraform"
	default:
		return "source"
	}
}

func readEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isSourceFile(name string) bool {
	base := strings.ToLower(path.Base(name))
	if configNames[base] {
		return true
	}
	return codeExtensions[strings.ToLower(path.Ext(name))]
}

// combine renders the extracted files as one prompt-ready block, sorted by
// path so output is stable across runs.
func combine(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for i, p := range paths {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== %s ===\n%s", p, files[p])
	}
	return b.String()
}

// formatStructure renders a layout overview for every entry in the bundle,
// not just the extracted ones, so the analysis sees the whole project shape.
func formatStructure(paths []string) string {
	if len(paths) == 0 {
		return "PROJECT STRUCTURE ANALYSIS\n\nNo files found in bundle."
	}

	counts := map[string]int{}
	var source, configs []string
	for _, p := range paths {
		ext := strings.ToLower(path.Ext(p))
		base := strings.ToLower(path.Base(p))
		switch {
		case configNames[base]:
			counts["config"]++
			configs = append(configs, p)
		case codeExtensions[ext]:
			counts[ext]++
			source = append(source, p)
		default:
			counts["other"]++
		}
	}
	sort.Strings(source)
	sort.Strings(configs)

	var b strings.Builder
	b.WriteString("PROJECT STRUCTURE ANALYSIS\n\n")
	fmt.Fprintf(&b, "Total files: %d\n", len(paths))

	exts := make([]string, 0, len(counts))
	for ext := range counts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		fmt.Fprintf(&b, "  %s: %d\n", ext, counts[ext])
	}

	if len(source) > 0 {
		b.WriteString("\nSource files:\n")
		for _, p := range source {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}
	if len(configs) > 0 {
		b.WriteString("\nBuild and config files:\n")
		for _, p := range configs {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
