package sync

import "strings"

// NormalizeSourceURL turns a manifest source into a clone URL: bare
// "org/repo" shorthand expands to GitHub, https URLs gain a ".git" suffix,
// and github.com URLs are routed through the mirror endpoint when one is
// configured.
func NormalizeSourceURL(source, githubMirror string) string {
	url := strings.TrimSpace(source)

	hasScheme := strings.Contains(url, "://") || strings.HasPrefix(url, "git@")
	if !hasScheme {
		url = "https://github.com/" + strings.TrimSuffix(url, ".git")
	}

	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		if !strings.HasSuffix(url, ".git") {
			url += ".git"
		}
	}

	if githubMirror != "" && strings.Contains(url, "github.com") {
		url = strings.TrimSuffix(githubMirror, "/") + "/" + url
	}

	return url
}
