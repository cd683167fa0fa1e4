package modimage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v48/github"
	"golang.org/x/oauth2"

	"github.com/SH-XiaoXiu/xnix-sub000/initsvc"
)

// GitHubSource maps a module name to the GitHub repository that publishes
// its built image as a release asset.
type GitHubSource struct {
	ModuleName string
	Repo       string // "org/repo"
	Tag        string
	AssetName  string
}

// GitHubImageStore resolves a module's image from a tagged release asset on
// GitHub, for modules whose build artifacts aren't tracked directly in a
// git working tree (GitImageStore's source). An optional access token
// allows resolving assets from private repositories.
type GitHubImageStore struct {
	sources    map[string]GitHubSource
	client     *github.Client
	httpClient *http.Client
}

var _ initsvc.ImageLoader = (*GitHubImageStore)(nil)

func NewGitHubImageStore(sources []GitHubSource, accessToken string) *GitHubImageStore {
	m := make(map[string]GitHubSource, len(sources))
	for _, s := range sources {
		m[s.ModuleName] = s
	}

	var httpClient *http.Client
	if accessToken != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		httpClient = oauth2.NewClient(context.Background(), src)
	}

	return &GitHubImageStore{
		sources:    m,
		client:     github.NewClient(httpClient),
		httpClient: httpClient,
	}
}

// Load looks up the release tagged for this module, finds the named asset,
// and downloads it.
func (g *GitHubImageStore) Load(svc *initsvc.Service) ([]byte, error) {
	src, ok := g.sources[svc.ModuleName]
	if !ok {
		return nil, fmt.Errorf("modimage: no github source configured for module %q", svc.ModuleName)
	}

	parts := strings.SplitN(src.Repo, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("modimage: repo %q must be ORG/REPO", src.Repo)
	}

	ctx := context.Background()
	release, _, err := g.client.Repositories.GetReleaseByTag(ctx, parts[0], parts[1], src.Tag)
	if err != nil {
		return nil, fmt.Errorf("modimage: get release %q for %q: %w", src.Tag, svc.ModuleName, err)
	}

	// A nil follow-redirects client makes go-github hand back the redirect
	// URL instead of the asset body; always pass a real client.
	dl := g.httpClient
	if dl == nil {
		dl = http.DefaultClient
	}

	for _, asset := range release.Assets {
		if asset.GetName() != src.AssetName {
			continue
		}
		rc, _, err := g.client.Repositories.DownloadReleaseAsset(ctx, parts[0], parts[1], asset.GetID(), dl)
		if err != nil {
			return nil, fmt.Errorf("modimage: download asset %q: %w", src.AssetName, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	return nil, fmt.Errorf("modimage: asset %q not found in release %q", src.AssetName, src.Tag)
}
