package executor

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"qcselect/internal/logging"
)

// =============================================================================
// GO SCRIPT PLUGIN
// =============================================================================
// Runs Go source artifacts in the yaegi interpreter instead of compiling them.
// The artifact must define:
//
//	func Run(params map[string]string) (map[string]string, error)
//
// Imports are restricted to a stdlib allow-list (no os, os/exec, net, syscall,
// unsafe) and every run is bounded by a timeout.

// GoScriptPluginName is the name reported by GoScriptPlugin.
const GoScriptPluginName = "go-script"

// DefaultScriptTimeout bounds a script run when none is configured.
const DefaultScriptTimeout = 30 * time.Second

// GoScriptPlugin executes Go source artifacts with yaegi.
type GoScriptPlugin struct {
	languages []string
	sdks      []string
	timeout   time.Duration

	// Whitelist of allowed stdlib packages
	allowedPackages map[string]bool
}

// NewGoScriptPlugin creates a plugin for the given languages and SDKs.
// Empty lists default to "go" and "yaegi"; timeout <= 0 selects DefaultScriptTimeout.
func NewGoScriptPlugin(languages, sdks []string, timeout time.Duration) *GoScriptPlugin {
	if len(languages) == 0 {
		languages = []string{"go"}
	}
	if len(sdks) == 0 {
		sdks = []string{"yaegi"}
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &GoScriptPlugin{
		languages: languages,
		sdks:      sdks,
		timeout:   timeout,
		allowedPackages: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"errors":          true,
			"math":            true,
			"math/big":        true,
			"math/cmplx":      true,
			"math/bits":       true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
		},
	}
}

func (p *GoScriptPlugin) Name() string { return GoScriptPluginName }

func (p *GoScriptPlugin) SupportedProgrammingLanguages() []string { return p.languages }

func (p *GoScriptPlugin) SupportedSDKs() []string { return p.sdks }

// Execute reads the artifact at artifactPath and runs it.
func (p *GoScriptPlugin) Execute(ctx context.Context, artifactPath string, params map[string]string) (map[string]string, error) {
	code, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return p.Run(ctx, string(code), params)
}

// Run interprets code and calls its Run function with a copy of params.
func (p *GoScriptPlugin) Run(ctx context.Context, code string, params map[string]string) (map[string]string, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, "go-script run")
	defer timer.Stop()

	fullCode := wrapCode(code)
	if err := p.validateImports(fullCode); err != nil {
		return nil, fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.Eval(fullCode); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	runValue, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("Run function not found: %w", err)
	}
	run, ok := runValue.Interface().(func(map[string]string) (map[string]string, error))
	if !ok {
		return nil, fmt.Errorf("Run has incorrect signature (expected: func(map[string]string) (map[string]string, error))")
	}

	input := make(map[string]string, len(params))
	for k, v := range params {
		input[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		out map[string]string
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		out, err := run(input)
		resultCh <- result{out: out, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			logging.Get(logging.CategoryExecutor).Warn("go-script failed: %v", res.err)
			return nil, res.err
		}
		if res.out == nil {
			res.out = map[string]string{}
		}
		return res.out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("script execution timed out: %w", ctx.Err())
	}
}

// validateImports checks that the code only imports allowed packages.
func (p *GoScriptPlugin) validateImports(code string) error {
	file, err := parser.ParseFile(token.NewFileSet(), "script.go", code, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse imports: %w", err)
	}

	var forbidden []string
	for _, spec := range file.Imports {
		pkg, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			pkg = spec.Path.Value
		}
		if !p.allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports detected: %v (allowed: %v)", forbidden, p.getAllowedPackages())
	}
	return nil
}

// wrapCode adds a main package clause if the code has none.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return fmt.Sprintf("package main\n\n%s\n", code)
}

func (p *GoScriptPlugin) getAllowedPackages() []string {
	pkgs := make([]string, 0, len(p.allowedPackages))
	for pkg := range p.allowedPackages {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}
