package architecture_test

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/mod/modfile"
)

type importEdge struct {
	file string // module-relative, slash separated
	imp  string
}

// moduleImports parses every .go file under internal/ and returns the
// module path plus each import it finds. skipDir prunes top-level
// directories of internal/.
func moduleImports(t *testing.T, skipDir func(name string) bool) (string, []importEdge) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(wd)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}
	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	internalDir := filepath.Join(root, "internal")
	fset := token.NewFileSet()
	var edges []importEdge
	err = filepath.WalkDir(internalDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if filepath.Dir(path) == internalDir && skipDir != nil && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, spec := range f.Imports {
			if imp, err := strconv.Unquote(spec.Path.Value); err == nil {
				edges = append(edges, importEdge{file: filepath.ToSlash(rel), imp: imp})
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk internal/: %v", err)
	}
	return modulePath, edges
}

func TestImportBoundaries(t *testing.T) {
	modulePath, edges := moduleImports(t, nil)
	var b strings.Builder
	for _, e := range edges {
		for _, bad := range disallowedImports(modulePath, layerFor(e.file)) {
			if strings.HasPrefix(e.imp, bad) {
				fmt.Fprintf(&b, "- %s imports %q (disallowed: %q)\n", e.file, e.imp, bad)
				break
			}
		}
	}
	if b.Len() > 0 {
		t.Fatalf("import boundary violations:\n%s", b.String())
	}
}

// Infrastructure clients are constructed in app and handed down as
// interfaces; clients may still use each other.
func TestClientsOnlyImportedByApp(t *testing.T) {
	modulePath, edges := moduleImports(t, func(name string) bool {
		return name == "clients" || name == "app"
	})
	var b strings.Builder
	for _, e := range edges {
		if strings.HasPrefix(e.imp, modulePath+"/internal/clients/") {
			fmt.Fprintf(&b, "- %s imports %q\n", e.file, e.imp)
		}
	}
	if b.Len() > 0 {
		t.Fatalf("internal/clients imported outside internal/app:\n%s", b.String())
	}
}

func layerFor(rel string) string {
	for _, layer := range []string{"pkg", "domain", "observability", "data", "modules", "jobs", "temporalx", "scheduler", "http"} {
		if strings.HasPrefix(rel, "internal/"+layer+"/") {
			return layer
		}
	}
	return ""
}

// disallowedImports lists the packages a layer must not reach into. Lower
// layers never see the trigger or transport layers built on top of them.
func disallowedImports(modulePath string, layer string) []string {
	p := func(names ...string) []string {
		out := make([]string, 0, len(names))
		for _, n := range names {
			out = append(out, modulePath+"/internal/"+n+"/")
		}
		return out
	}
	switch layer {
	case "pkg":
		return p("domain", "data", "observability", "modules", "jobs", "temporalx", "scheduler", "http", "app", "clients")
	case "domain":
		return p("data", "observability", "modules", "jobs", "temporalx", "scheduler", "http", "app", "clients")
	case "observability":
		return p("domain", "data", "modules", "jobs", "temporalx", "scheduler", "http", "app")
	case "data":
		return p("modules", "jobs", "temporalx", "scheduler", "http", "app")
	case "modules":
		return p("jobs", "temporalx", "scheduler", "http", "app")
	case "jobs":
		return p("temporalx", "scheduler", "http", "app")
	case "temporalx":
		return p("jobs", "scheduler", "http", "app")
	case "scheduler":
		return p("domain", "data", "modules", "jobs", "temporalx", "http", "app")
	case "http":
		return p("temporalx", "scheduler", "app")
	default:
		return nil
	}
}

func findModuleRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found from %s", start)
		}
		dir = parent
	}
}

func readModulePath(goModPath string) (string, error) {
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return "", err
	}
	mp := modfile.ModulePath(data)
	if mp == "" {
		return "", fmt.Errorf("module path not found in %s", goModPath)
	}
	return mp, nil
}
