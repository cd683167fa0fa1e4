// Package modimage resolves a service's configured module name to the ELF
// bytes the init service graph loads it from, satisfying the initsvc
// package's ImageLoader seam with two concrete backends: a git-tracked
// module repository cache, and a GitHub release asset fetch.
package modimage

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/SH-XiaoXiu/xnix-sub000/initsvc"
)

const (
	cacheDirName     = "xnix"
	cacheRepoDirName = "modules"
)

// ModuleSource maps a service's module_name to the git repository that
// builds it, the tag to resolve, and the path of the built ELF image within
// that tag's tree.
type ModuleSource struct {
	ModuleName string
	RepoURL    string
	Tag        string
	ImagePath  string
}

// GitImageStore resolves a module's build artifact from a locally cached
// clone of its source repository, checked out at the tag configured for
// that module.
type GitImageStore struct {
	sources map[string]ModuleSource
}

var _ initsvc.ImageLoader = (*GitImageStore)(nil)

func NewGitImageStore(sources []ModuleSource) *GitImageStore {
	m := make(map[string]ModuleSource, len(sources))
	for _, s := range sources {
		m[s.ModuleName] = s
	}
	return &GitImageStore{sources: m}
}

// Load resolves svc.ModuleName to a cached (or freshly cloned) repository,
// finds the commit tagged for that module, and returns the built image's
// bytes at that commit.
func (g *GitImageStore) Load(svc *initsvc.Service) ([]byte, error) {
	src, ok := g.sources[svc.ModuleName]
	if !ok {
		return nil, fmt.Errorf("modimage: no git source configured for module %q", svc.ModuleName)
	}

	repo, err := resolveRepo(src.RepoURL)
	if err != nil {
		return nil, fmt.Errorf("modimage: resolve repo for %q: %w", svc.ModuleName, err)
	}

	commitHash, err := resolveTagCommit(repo, src.Tag)
	if err != nil {
		return nil, fmt.Errorf("modimage: resolve tag %q for %q: %w", src.Tag, svc.ModuleName, err)
	}

	return readFileAtCommit(repo, commitHash, src.ImagePath)
}

func resolveRepo(url string) (*git.Repository, error) {
	fp := filepath.Join(cacheLocation(), encodedCacheName(url))
	if _, err := os.Stat(fp); err == nil {
		ref, err := git.PlainOpen(fp)
		if err != nil {
			return nil, fmt.Errorf("open cached repo: %w", err)
		}
		if err := ref.Fetch(&git.FetchOptions{RemoteURL: url, Tags: git.AllTags}); err != nil && err != git.NoErrAlreadyUpToDate {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		return ref, nil
	}

	if err := ensureCacheDir(); err != nil {
		return nil, fmt.Errorf("ensure cache dir: %w", err)
	}
	ref, err := git.PlainClone(fp, false, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	return ref, nil
}

func resolveTagCommit(repo *git.Repository, tag string) (plumbing.Hash, error) {
	ref, err := repo.Tag(tag)
	if err != nil {
		return plumbing.Hash{}, fmt.Errorf("tag %q not found: %w", tag, err)
	}
	commitHash, err := repo.ResolveRevision(plumbing.Revision(ref.Name().String()))
	if err != nil {
		return plumbing.Hash{}, fmt.Errorf("resolve tag ref: %w", err)
	}
	return *commitHash, nil
}

func readFileAtCommit(repo *git.Repository, hash plumbing.Hash, path string) ([]byte, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	entry, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("image %q not present in tagged tree: %w", path, err)
	}
	r, err := entry.Reader()
	if err != nil {
		return nil, fmt.Errorf("open image blob: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func ensureCacheDir() error {
	cacheFp := cacheLocation()
	if _, err := os.Stat(cacheFp); err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(cacheFp, 0o777)
		}
		return err
	}
	return nil
}

func cacheLocation() string {
	return filepath.Join(xdg.DataHome, cacheDirName, cacheRepoDirName)
}

func encodedCacheName(url string) string {
	return base64.StdEncoding.EncodeToString([]byte(url))
}
