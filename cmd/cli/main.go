// Command judge is the field CLI for recording and syncing station scores.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/trailband/stationsync/internal/clientstate"
	"github.com/trailband/stationsync/internal/convert"
	"github.com/trailband/stationsync/internal/crypto/devicecrypto"
	"github.com/trailband/stationsync/internal/model"
	"github.com/trailband/stationsync/internal/outbox"
	"github.com/trailband/stationsync/internal/syncer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func defaultRoot() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "stationsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "stationsync")
}

func usage() {
	fmt.Fprintf(os.Stderr, `judge CLI
Usage:
  judge -addr URL -event UUID -station UUID <cmd> [args]

Commands:
  version
  login      -u <username> -p <password>        (bootstraps session + device key)
  score      -patrol <code|uuid> -points N [-wait N] [-note s] [-category C]
             [-answers s] [-finish RFC3339] [-pin s]
  flush      [-batch] [-n 50]                   (drain the outbox)
  status                                        (outbox counts, next retry)
  list                                          (pending outbox entries)
  refresh                                       (rotate tokens, re-wrap key)
  manifest   [-rotate-salt]                     (refresh snapshot + salt)
  patrols                                       (cached roster)
  pin        -set <pin>
  logout
`)
	os.Exit(2)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ---- http helpers ----

type apiClient struct {
	base   string
	client *http.Client
}

func (a *apiClient) postJSON(ctx context.Context, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return a.do(req, out)
}

func (a *apiClient) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return a.do(req, out)
}

func (a *apiClient) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var eb convert.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error != "" {
			return fmt.Errorf("server: %s (HTTP %d)", eb.Error, resp.StatusCode)
		}
		return fmt.Errorf("server: HTTP %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- device key ----

// unlockDeviceKey decrypts the local signing key with the current refresh
// token. Failure means re-login: the key is gone for good.
func unlockDeviceKey(store *clientstate.Store) ([]byte, error) {
	sess, err := store.LoadSession()
	if err != nil {
		return nil, err
	}
	payload, err := store.LoadDeviceKey()
	if err != nil {
		return nil, fmt.Errorf("no device key (login required): %w", err)
	}
	wk, err := devicecrypto.DeriveWrappingKey(sess.RefreshToken, payload.DeviceSalt)
	if err != nil {
		return nil, err
	}
	key, err := devicecrypto.DecryptDeviceKey(payload, wk)
	if err != nil {
		return nil, fmt.Errorf("cannot unlock device key, re-login required: %w", err)
	}
	return key, nil
}

// rewrapForTokens re-encrypts the device key after a token rotation, under
// the new refresh token and whatever salt the server currently issues.
func rewrapForTokens(payload model.DeviceKeyPayload, oldToken, newToken, newSalt string) (model.DeviceKeyPayload, error) {
	oldWrap, err := devicecrypto.DeriveWrappingKey(oldToken, payload.DeviceSalt)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	key, err := devicecrypto.DecryptDeviceKey(payload, oldWrap)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	newWrap, err := devicecrypto.DeriveWrappingKey(newToken, newSalt)
	if err != nil {
		return model.DeviceKeyPayload{}, err
	}
	return devicecrypto.EncryptDeviceKey(key, newWrap, newSalt)
}

// ---- main ----

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	root := flag.String("root", defaultRoot(), "client state directory")
	eventFlag := flag.String("event", "", "event UUID")
	stationFlag := flag.String("station", "", "station UUID")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	if cmd == "version" {
		fmt.Printf("judge %s (%s)\n", version, buildDate)
		return
	}

	eventID, err := uuid.FromString(*eventFlag)
	if err != nil {
		fail(fmt.Errorf("need -event UUID: %w", err))
	}
	stationID, err := uuid.FromString(*stationFlag)
	if err != nil {
		fail(fmt.Errorf("need -station UUID: %w", err))
	}

	store := clientstate.New(*root, eventID, stationID)
	api := &apiClient{base: *addr, client: &http.Client{Timeout: 30 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch cmd {
	case "login":
		cmdLogin(ctx, api, store, eventID, stationID)
	case "score":
		cmdScore(ctx, store, eventID, stationID)
	case "flush":
		cmdFlush(ctx, api, store, eventID, stationID)
	case "status":
		cmdStatus(ctx, store, eventID, stationID)
	case "list":
		cmdList(ctx, store, eventID, stationID)
	case "refresh":
		cmdRefresh(ctx, api, store)
	case "manifest":
		cmdManifest(ctx, api, store)
	case "patrols":
		patrols, err := store.LoadPatrols()
		if err != nil {
			fail(err)
		}
		printJSON(patrols)
	case "pin":
		cmdPIN(store)
	case "logout":
		cmdLogout(ctx, api, store)
	default:
		usage()
	}
}

func cmdLogin(ctx context.Context, api *apiClient, store *clientstate.Store, eventID, stationID uuid.UUID) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	_ = fs.Parse(flag.Args()[1:])
	if *u == "" || *p == "" {
		fail(errors.New("need -u and -p"))
	}

	var resp convert.LoginResponse
	err := api.postJSON(ctx, "/api/v1/auth/login", "", convert.LoginRequest{
		Username:  *u,
		Password:  *p,
		StationID: stationID.String(),
		EventID:   eventID.String(),
	}, &resp)
	if err != nil {
		fail(err)
	}

	sessionID, err := uuid.FromString(resp.SessionID)
	if err != nil {
		fail(err)
	}
	judgeID, err := uuid.FromString(resp.JudgeID)
	if err != nil {
		fail(err)
	}
	now := time.Now()
	sess := clientstate.SessionState{
		SessionID:     sessionID,
		JudgeID:       judgeID,
		AccessToken:   resp.AccessToken,
		AccessExpiry:  now.Add(time.Duration(resp.AccessTokenExpiresIn) * time.Second),
		RefreshToken:  resp.RefreshToken,
		RefreshExpiry: now.Add(time.Duration(resp.RefreshTokenExpiresIn) * time.Second),
	}
	if err := store.SaveSession(sess); err != nil {
		fail(err)
	}
	if err := store.SaveManifest(resp.Manifest); err != nil {
		fail(err)
	}
	if err := store.SavePatrols(resp.Patrols); err != nil {
		fail(err)
	}

	// Fresh session: mint the device signing key, wrap it locally, and
	// register the server copy.
	deviceKey, err := devicecrypto.GenerateDeviceKey()
	if err != nil {
		fail(err)
	}
	wk, err := devicecrypto.DeriveWrappingKey(resp.RefreshToken, resp.DeviceSalt)
	if err != nil {
		fail(err)
	}
	payload, err := devicecrypto.EncryptDeviceKey(deviceKey, wk, resp.DeviceSalt)
	if err != nil {
		fail(err)
	}
	if err := store.SaveDeviceKey(payload); err != nil {
		fail(err)
	}
	err = api.postJSON(ctx, "/api/v1/auth/device-key", resp.AccessToken,
		convert.DeviceKeyRequest{DeviceKey: deviceKey}, nil)
	if err != nil {
		fail(fmt.Errorf("register device key: %w", err))
	}

	fmt.Printf("logged in as %s, session %s, manifest v%d, %d patrols\n",
		*u, resp.SessionID, resp.Manifest.Version, len(resp.Patrols))
}

func cmdScore(ctx context.Context, store *clientstate.Store, eventID, stationID uuid.UUID) {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	patrolArg := fs.String("patrol", "", "patrol code or UUID")
	points := fs.Int("points", -1, "points 0..1000")
	wait := fs.Int("wait", 0, "wait minutes")
	note := fs.String("note", "", "free-form note")
	category := fs.String("category", "", "category letter (default: patrol's)")
	answers := fs.String("answers", "", "normalized quiz answers (enables target scoring)")
	finish := fs.String("finish", "", "finish time, RFC3339 (finish station only)")
	pin := fs.String("pin", "", "local PIN, when set")
	_ = fs.Parse(flag.Args()[1:])
	if *patrolArg == "" || *points < 0 {
		fail(errors.New("need -patrol and -points"))
	}

	if *pin != "" {
		if err := store.VerifyPIN(*pin); err != nil {
			fail(err)
		}
	}

	sess, err := store.LoadSession()
	if err != nil {
		fail(err)
	}
	manifest, err := store.LoadManifest()
	if err != nil {
		fail(err)
	}
	patrol, err := findPatrol(store, *patrolArg)
	if err != nil {
		fail(err)
	}
	cat := *category
	if cat == "" {
		cat = patrol.Category
	}

	deviceKey, err := unlockDeviceKey(store)
	if err != nil {
		fail(err)
	}

	now := time.Now().UTC()
	data := model.SubmissionData{
		EventID:     eventID,
		StationID:   stationID,
		PatrolID:    patrol.ID,
		Category:    cat,
		ArrivedAt:   now.Add(-time.Duration(*wait) * time.Minute).Format(time.RFC3339),
		WaitMinutes: *wait,
		Points:      points,
		Note:        *note,
		PatrolCode:  patrol.PatrolCode,
		TeamName:    patrol.TeamName,
		Sex:         patrol.Sex,
	}
	if *answers != "" {
		data.UseTargetScoring = true
		data.NormalizedAnswers = answers
	}
	if *finish != "" {
		data.FinishTime = finish
	}
	env := model.SubmissionEnvelope{
		Version:         model.EnvelopeVersion,
		ManifestVersion: manifest.Version,
		SessionID:       sess.SessionID,
		JudgeID:         sess.JudgeID,
		StationID:       stationID,
		EventID:         eventID,
		SignedAt:        now.Format(time.RFC3339),
		Data:            data,
	}
	signed := devicecrypto.Sign(deviceKey, env)

	ob, err := outbox.Open(store.OutboxPath())
	if err != nil {
		fail(err)
	}
	defer ob.Close()

	clientEventID, err := uuid.NewV4()
	if err != nil {
		fail(err)
	}
	if err := ob.Enqueue(ctx, env, signed.CanonicalBytes, signed.Signature, clientEventID, now); err != nil {
		fail(err)
	}
	fmt.Printf("queued %s: patrol %s, %d points\n", clientEventID, patrol.PatrolCode, *points)
}

func findPatrol(store *clientstate.Store, arg string) (*model.Patrol, error) {
	patrols, err := store.LoadPatrols()
	if err != nil {
		return nil, err
	}
	id, idErr := uuid.FromString(arg)
	for i := range patrols {
		if patrols[i].PatrolCode == arg || (idErr == nil && patrols[i].ID == id) {
			return &patrols[i], nil
		}
	}
	return nil, fmt.Errorf("patrol %q not in cached roster", arg)
}

func cmdFlush(ctx context.Context, api *apiClient, store *clientstate.Store, eventID, stationID uuid.UUID) {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	useBatch := fs.Bool("batch", false, "use the batch endpoint")
	n := fs.Int("n", convert.MaxBatchOperations, "max entries per flush")
	_ = fs.Parse(flag.Args()[1:])

	ob, err := outbox.Open(store.OutboxPath())
	if err != nil {
		fail(err)
	}
	defer ob.Close()

	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	f := syncer.New(ob, api.client, api.base, store, eventID, stationID, log)
	// A reachable server clears network backoff so recovery is immediate.
	_ = f.ProbeConnectivity(ctx)
	if err := ob.ReleaseStuckSending(ctx, eventID, stationID); err != nil {
		fail(err)
	}

	var rep syncer.Report
	if *useBatch {
		rep, err = f.FlushBatch(ctx, *n)
	} else {
		rep, err = f.Flush(ctx, *n)
	}
	if err != nil {
		fail(err)
	}
	fmt.Printf("sent %d, retried %d, parked %d\n", rep.Sent, rep.Retried, rep.Parked)
}

func cmdStatus(ctx context.Context, store *clientstate.Store, eventID, stationID uuid.UUID) {
	ob, err := outbox.Open(store.OutboxPath())
	if err != nil {
		fail(err)
	}
	defer ob.Close()

	counts, err := ob.Counts(ctx, eventID, stationID)
	if err != nil {
		fail(err)
	}
	printJSON(counts)
	if at, ok, err := ob.NextRetryAt(ctx, eventID, stationID); err == nil && ok {
		fmt.Printf("next retry at %s\n", at.Format(time.RFC3339))
	}
}

func cmdList(ctx context.Context, store *clientstate.Store, eventID, stationID uuid.UUID) {
	ob, err := outbox.Open(store.OutboxPath())
	if err != nil {
		fail(err)
	}
	defer ob.Close()

	entries, err := ob.List(ctx, eventID, stationID)
	if err != nil {
		fail(err)
	}
	for _, e := range entries {
		fmt.Printf("%s  %-22s attempts=%d  %s\n", e.ClientEventID, e.State, e.Attempts, e.LastError)
	}
}

func cmdRefresh(ctx context.Context, api *apiClient, store *clientstate.Store) {
	sess, err := store.LoadSession()
	if err != nil {
		fail(err)
	}

	var resp convert.RefreshResponse
	err = api.postJSON(ctx, "/api/v1/auth/refresh", "", convert.RefreshRequest{
		SessionID:    sess.SessionID.String(),
		RefreshToken: sess.RefreshToken,
	}, &resp)
	if err != nil {
		fail(err)
	}

	// Re-wrap the device key before the old refresh token is forgotten.
	if payload, err := store.LoadDeviceKey(); err == nil {
		rew, err := rewrapForTokens(payload, sess.RefreshToken, resp.RefreshToken, resp.DeviceSalt)
		if err != nil {
			fail(fmt.Errorf("re-wrap device key: %w", err))
		}
		if err := store.SaveDeviceKey(rew); err != nil {
			fail(err)
		}
	}

	now := time.Now()
	sess.AccessToken = resp.AccessToken
	sess.AccessExpiry = now.Add(time.Duration(resp.AccessTokenExpiresIn) * time.Second)
	sess.RefreshToken = resp.RefreshToken
	sess.RefreshExpiry = now.Add(time.Duration(resp.RefreshTokenExpiresIn) * time.Second)
	if err := store.SaveSession(sess); err != nil {
		fail(err)
	}
	fmt.Println("tokens rotated")
}

func cmdManifest(ctx context.Context, api *apiClient, store *clientstate.Store) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	rotate := fs.Bool("rotate-salt", false, "ask the server for a fresh device salt")
	_ = fs.Parse(flag.Args()[1:])

	sess, err := store.LoadSession()
	if err != nil {
		fail(err)
	}
	path := "/api/v1/manifest"
	if *rotate {
		path += "?rotate_salt=1"
	}
	var resp convert.ManifestResponse
	if err := api.getJSON(ctx, path, sess.AccessToken, &resp); err != nil {
		fail(err)
	}

	// Salt rotation: re-wrap under the same refresh token, new salt.
	if payload, err := store.LoadDeviceKey(); err == nil && payload.DeviceSalt != resp.Manifest.DeviceSalt {
		rew, err := devicecrypto.Rewrap(payload, sess.RefreshToken, resp.Manifest.DeviceSalt)
		if err != nil {
			fail(fmt.Errorf("re-wrap device key: %w", err))
		}
		if err := store.SaveDeviceKey(rew); err != nil {
			fail(err)
		}
	}

	if err := store.SaveManifest(resp.Manifest); err != nil {
		fail(err)
	}
	if err := store.SavePatrols(resp.Patrols); err != nil {
		fail(err)
	}
	fmt.Printf("manifest v%d, %d patrols\n", resp.Manifest.Version, len(resp.Patrols))
}

func cmdPIN(store *clientstate.Store) {
	fs := flag.NewFlagSet("pin", flag.ExitOnError)
	set := fs.String("set", "", "new pin")
	_ = fs.Parse(flag.Args()[1:])
	if *set == "" {
		fail(errors.New("need -set <pin>"))
	}
	if err := store.SetPIN(*set); err != nil {
		fail(err)
	}
	fmt.Println("pin set")
}

func cmdLogout(ctx context.Context, api *apiClient, store *clientstate.Store) {
	if sess, err := store.LoadSession(); err == nil {
		// best-effort server revoke; local state goes regardless
		_ = api.postJSON(ctx, "/api/v1/auth/logout", sess.AccessToken, nil, nil)
	}
	if err := store.Clear(); err != nil {
		fail(err)
	}
	fmt.Println("logged out, local state cleared (outbox kept)")
}
