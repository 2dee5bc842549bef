// Package scenario holds the traffic patterns the load generator replays
// against the example server.
package scenario

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/chosenoffset/pagetrace/pagetrace-example/internal/ledger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Scenario interface {
	Name() string
	Run(ctx context.Context, client *http.Client, baseURL string) error
}

// All returns the built-in scenarios.
func All() []Scenario {
	return []Scenario{Browse{}, Transfers{}, Isolation{}}
}

// Browse loads the account list.
type Browse struct{}

func (Browse) Name() string { return "browse" }

func (Browse) Run(ctx context.Context, client *http.Client, baseURL string) error {
	body, err := getPage(ctx, client, baseURL+"/")
	if err != nil {
		return err
	}
	if traceStart(body) < 0 {
		return fmt.Errorf("browse: page carries no trace")
	}
	return nil
}

// Transfers opens two accounts and moves random amounts between them.
type Transfers struct{}

func (Transfers) Name() string { return "transfers" }

func (Transfers) Run(ctx context.Context, client *http.Client, baseURL string) error {
	from, to := "tx-"+uuid.NewString(), "tx-"+uuid.NewString()
	for _, id := range []string{from, to} {
		if err := createAccount(ctx, client, baseURL, id, 1000); err != nil {
			return err
		}
	}
	for i := 0; i < 5; i++ {
		req := ledger.TransferRequest{From: from, To: to, Amount: float64(1 + rand.IntN(100))}
		status, err := postJSON(ctx, client, baseURL+"/api/transfer", req)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("transfer: unexpected status %d", status)
		}
	}
	return nil
}

var isolationID = regexp.MustCompile(`iso-[0-9a-f-]{36}`)

// Isolation checks that the trace of an account page mentions its own
// account and no other. Run concurrently it detects traces leaking between
// requests.
type Isolation struct{}

func (Isolation) Name() string { return "isolation" }

func (Isolation) Run(ctx context.Context, client *http.Client, baseURL string) error {
	id := "iso-" + uuid.NewString()
	if err := createAccount(ctx, client, baseURL, id, 1); err != nil {
		return err
	}
	body, err := getPage(ctx, client, baseURL+"/accounts/"+id)
	if err != nil {
		return err
	}
	return CheckIsolation(body, id)
}

// CheckIsolation verifies the trace fragment of body names only id.
func CheckIsolation(body, id string) error {
	i := traceStart(body)
	if i < 0 {
		return fmt.Errorf("isolation: page of %s carries no trace", id)
	}
	found := isolationID.FindAllString(body[i:], -1)
	if len(found) == 0 {
		return fmt.Errorf("isolation: trace of %s does not mention it", id)
	}
	for _, other := range found {
		if other != id {
			return fmt.Errorf("isolation: trace of %s contains %s", id, other)
		}
	}
	return nil
}

// traceStart returns the offset of the injected panel or console script.
func traceStart(body string) int {
	if i := strings.Index(body, `id="pagetrace_tab"`); i >= 0 {
		return i
	}
	return strings.LastIndex(body, "<script type='text/javascript'>")
}

func createAccount(ctx context.Context, client *http.Client, baseURL, id string, balance float64) error {
	status, err := postJSON(ctx, client, baseURL+"/api/accounts", ledger.CreateAccountRequest{ID: id, Balance: balance})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("create account %s: unexpected status %d", id, status)
	}
	return nil
}

func getPage(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return string(body), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
