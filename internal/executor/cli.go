package executor

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// KubectlApplier implements ResourceApplier by fetching templates over HTTP
// and shelling out to kubectl for apply and rollout.
type KubectlApplier struct {
	runner CommandRunner
	client *http.Client
}

// NewKubectlApplier creates an applier backed by kubectl.
func NewKubectlApplier(runner CommandRunner) *KubectlApplier {
	return &KubectlApplier{
		runner: runner,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Render implements ResourceApplier. Variables are substituted with the
// ${name} form; documents are split on YAML separators.
func (a *KubectlApplier) Render(ctx context.Context, templateURL string, variables map[string]string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, templateURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch template: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch template: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	rendered := os.Expand(string(body), func(name string) string {
		if v, ok := variables[name]; ok {
			return v
		}
		return "${" + name + "}"
	})

	var manifests []string
	for _, doc := range strings.Split(rendered, "\n---") {
		if strings.TrimSpace(doc) != "" {
			manifests = append(manifests, doc)
		}
	}
	return manifests, nil
}

// Apply implements ResourceApplier. The resource name comes from kubectl's
// "<kind>/<name> configured" output line.
func (a *KubectlApplier) Apply(ctx context.Context, namespace, manifest string) (string, error) {
	path, err := writeTempManifest(manifest)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	out, err := a.runner.Run(ctx, "kubectl", "apply", "-n", namespace, "-o", "name", "-f", path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	var name string
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			name = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("kubectl apply produced no resource name")
	}
	return name, nil
}

// WaitReady implements ResourceApplier via kubectl rollout status. Resources
// without a rollout (services, configmaps) are considered ready once applied.
func (a *KubectlApplier) WaitReady(ctx context.Context, namespace, name string) error {
	kind, _, _ := strings.Cut(name, "/")
	switch kind {
	case "deployment", "statefulset", "daemonset":
	default:
		return nil
	}
	out, err := a.runner.Run(ctx, "kubectl", "rollout", "status", "-n", namespace, name)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

func writeTempManifest(manifest string) (string, error) {
	f, err := os.CreateTemp("", "manifest-*.yaml")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(manifest); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// HubTransport implements ModelTransport with the hf CLI and a local cache
// directory. Digests are content hashes over the pulled snapshot, verified
// by re-hashing before push.
type HubTransport struct {
	runner   CommandRunner
	cacheDir string
}

// NewHubTransport creates a transport rooted at cacheDir.
func NewHubTransport(runner CommandRunner, cacheDir string) *HubTransport {
	return &HubTransport{runner: runner, cacheDir: cacheDir}
}

// Pull implements ModelTransport.
func (t *HubTransport) Pull(ctx context.Context, modelID, revision string, progress func(string)) (string, error) {
	dir := t.snapshotDir(modelID)
	args := []string{"download", modelID, "--local-dir", dir}
	if revision != "" {
		args = append(args, "--revision", revision)
	}
	if err := t.run(ctx, progress, args...); err != nil {
		return "", err
	}
	return hashDir(dir)
}

// Verify implements ModelTransport.
func (t *HubTransport) Verify(ctx context.Context, digest string) error {
	dir, ok := t.lookupSnapshot(digest)
	if !ok {
		return fmt.Errorf("no pulled snapshot for digest %s", digest)
	}
	got, err := hashDir(dir)
	if err != nil {
		return err
	}
	if got != digest {
		return fmt.Errorf("snapshot hash mismatch: want %s, got %s", digest, got)
	}
	return nil
}

// Push implements ModelTransport.
func (t *HubTransport) Push(ctx context.Context, targetRepo, digest string, progress func(string)) error {
	dir, ok := t.lookupSnapshot(digest)
	if !ok {
		return fmt.Errorf("no pulled snapshot for digest %s", digest)
	}
	return t.run(ctx, progress, "upload", targetRepo, dir)
}

func (t *HubTransport) run(ctx context.Context, progress func(string), args ...string) error {
	out, err := t.runner.Run(ctx, "hf", args...)
	if err != nil {
		return err
	}
	defer out.Close()
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		progress(scanner.Text())
	}
	return scanner.Err()
}

func (t *HubTransport) snapshotDir(modelID string) string {
	return filepath.Join(t.cacheDir, strings.ReplaceAll(modelID, "/", "--"))
}

// lookupSnapshot finds the cached snapshot whose contents hash to digest.
func (t *HubTransport) lookupSnapshot(digest string) (string, bool) {
	entries, err := os.ReadDir(t.cacheDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(t.cacheDir, e.Name())
		if h, err := hashDir(dir); err == nil && h == digest {
			return dir, true
		}
	}
	return "", false
}

// hashDir produces a stable sha256 over file paths and contents.
func hashDir(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		io.WriteString(h, rel)
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
