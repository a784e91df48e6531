package mirror

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/coreforge/gitmirror/giturl"
)

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

// authEnv builds the environment variables needed to authenticate the next
// git invocation against the mirror's remote, trying in order: SSH key,
// username/password, GitHub App installation token.
func (m *Mirror) authEnv(ctx context.Context) []string {
	if giturl.IsSCPURL(m.remote) || giturl.IsSSHURL(m.remote) {
		return []string{m.gitSSHCommand()}
	}

	if !giturl.IsHTTPSURL(m.remote) {
		return nil
	}

	var username, password string
	switch {
	case m.auth.Username != "" && m.auth.Password != "":
		username, password = m.auth.Username, m.auth.Password

	case m.auth.Password != "":
		username, password = "-", m.auth.Password

	case m.auth.GithubAppInstallationID != "" && m.gitURL.Host == "github.com":
		token, err := m.getGithubAppToken(ctx, strings.TrimSuffix(m.gitURL.Repo, ".git"))
		if err != nil {
			m.log.Error("unable to get github app token", "err", err)
			return nil
		}
		username, password = "-", token

	default:
		return nil
	}

	credsLoader, err := m.ensureCredsLoader()
	if err != nil {
		m.log.Error("unable to write creds loader script", "err", err)
		return nil
	}

	return []string{
		fmt.Sprintf("GIT_ASKPASS=%s", credsLoader),
		fmt.Sprintf("REPO_USERNAME=%s", username),
		fmt.Sprintf("REPO_PASSWORD=%s", password),
	}
}

func (m *Mirror) ensureCredsLoader() (string, error) {
	credsLoader := filepath.Join(m.dir, "git-mirror-creds-loader.sh")
	if _, err := os.Stat(credsLoader); os.IsNotExist(err) {
		if err := os.WriteFile(credsLoader, []byte(loadCredsScript), 0750); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", fmt.Errorf("unable to check creds loader: %w", err)
	}
	return credsLoader, nil
}

func (m *Mirror) gitSSHCommand() string {
	sshKeyPath := m.auth.SSHKeyPath
	if sshKeyPath == "" {
		sshKeyPath = "/dev/null"
	}
	knownHostsOptions := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if m.auth.SSHKeyPath != "" && m.auth.SSHKnownHostsPath != "" {
		knownHostsOptions = fmt.Sprintf("-o UserKnownHostsFile=%s", m.auth.SSHKnownHostsPath)
	}
	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s`, sshKeyPath, knownHostsOptions)
}

func (m *Mirror) getGithubAppToken(ctx context.Context, repo string) (string, error) {
	if m.githubAppTokenExpiresAt.After(time.Now().UTC().Add(10 * time.Minute)) {
		return m.githubAppToken, nil
	}

	token, err := GithubAppInstallationToken(ctx,
		m.auth.GithubAppID, m.auth.GithubAppInstallationID, m.auth.GithubAppPrivateKeyPath,
		GithubAppTokenReqPermissions{
			Repositories: []string{repo},
			Permissions:  map[string]string{"contents": "read"},
		})
	if err != nil {
		return "", err
	}

	m.githubAppToken = token.Token
	m.githubAppTokenExpiresAt = token.ExpiresAt
	m.log.Debug("new github app access token issued")

	return m.githubAppToken, nil
}

// GithubAppTokenReqPermissions is the body of a GitHub App installation
// access-token request, scoped to a minimal read-only grant.
type GithubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

// GithubAppToken is the GitHub API's installation access-token response.
type GithubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GithubAppInstallationToken mints a short-lived installation access token
// by signing a JWT as the app (RS256, per GitHub's App auth flow) and
// exchanging it for an installation token scoped to reqPerms.
func GithubAppInstallationToken(ctx context.Context, appID, installationID, privateKeyPath string, reqPerms GithubAppTokenReqPermissions) (*GithubAppToken, error) {
	privatePEMData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	cl := jwt.Claims{
		Issuer:   appID,
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)), // allow for clock drift
		Expiry:   jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),  // GitHub's maximum
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://api.github.com/app/installations/%s/access_tokens", installationID)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("github app token response status %d, body:%q", resp.StatusCode, errMessage)
	}

	var tokenResponse GithubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}

	return &tokenResponse, nil
}
