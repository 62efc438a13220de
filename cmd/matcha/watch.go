package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	matcha "github.com/Nathanloupy/42adv-matcha"
	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

func init() {
	watchCmd.Flags().String("screen", "other", "screen to act as: other, browse, likes, conversations, conversation")
	watchCmd.Flags().Int("peer", 0, "peer id of the open conversation (with --screen conversation)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print live notifications from the push channel",
	Long: "Open the push channel for the stored session and print a line per notification.\n" +
		"The config file is followed: a new auth.token restarts the channel, an empty one ends the session.\n" +
		"--screen decides which lists are shown and refreshed as events arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfigFrom(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		name, _ := cmd.Flags().GetString("screen")
		peer, _ := cmd.Flags().GetInt("peer")
		screen, err := parseScreen(name, peer)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := newWatcher(screen)
		if err := w.start(ctx, cfg); err != nil {
			return err
		}
		defer w.stop()
		w.showScreen()

		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer fsw.Close()
		// Editors replace the file, so the directory is watched.
		if err := fsw.Add(filepath.Dir(path)); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				next, err := loadConfigFrom(path)
				if err != nil {
					glog.Infof("[watch]reload config = %s\n", err)
					continue
				}
				done, err := w.reload(ctx, next)
				if err != nil {
					return err
				}
				if done {
					fmt.Println("Session ended.")
					return nil
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				glog.Infof("[watch]fsnotify = %s\n", err)
			}
		}
	},
}

// parseScreen maps the --screen and --peer flags to a Screen.
func parseScreen(name string, peer int) (matcha.Screen, error) {
	kinds := map[string]matcha.ScreenKind{
		"other":         matcha.ScreenOther,
		"browse":        matcha.ScreenBrowse,
		"likes":         matcha.ScreenLikes,
		"conversations": matcha.ScreenConversations,
		"conversation":  matcha.ScreenConversation,
	}
	kind, ok := kinds[name]
	if !ok {
		return matcha.Screen{}, fmt.Errorf("unknown screen %q", name)
	}
	if kind == matcha.ScreenConversation {
		if peer <= 0 {
			return matcha.Screen{}, fmt.Errorf("--screen conversation needs --peer")
		}
		return matcha.Screen{Kind: kind, PeerID: peer}, nil
	}
	return matcha.Screen{Kind: kind}, nil
}

// watcher owns the push channel of the current session and the lists shown
// on the simulated screen.
type watcher struct {
	screens *matcha.ScreenTracker
	cache   *matcha.QueryCache
	router  *matcha.Router

	token string
	push  *matcha.PushClient

	mu     sync.Mutex
	ctx    context.Context
	client *matcha.Client
}

func newWatcher(screen matcha.Screen) *watcher {
	w := &watcher{screens: &matcha.ScreenTracker{}, cache: matcha.NewQueryCache()}
	w.screens.Set(screen)
	w.router = matcha.NewRouter(w.screens, matcha.NotifierFunc(printNotification), w, w.cache)
	w.cache.OnInvalidate(func(key matcha.QueryKey) {
		// Called on the push read goroutine.
		go w.refresh(key)
	})
	return w
}

// LeaveConversation is called when the open conversation's peer unmatched.
func (w *watcher) LeaveConversation(peer int) {
	fmt.Printf("[%s] conversation with #%d closed\n", time.Now().Format(time.TimeOnly), peer)
	w.screens.Set(matcha.Screen{Kind: matcha.ScreenConversations})
	w.showScreen()
}

// screenKeys lists the queries the current screen displays.
func (w *watcher) screenKeys() []matcha.QueryKey {
	screen := w.screens.CurrentScreen()
	switch screen.Kind {
	case matcha.ScreenLikes:
		return []matcha.QueryKey{matcha.KeyLikedBy, matcha.KeyViewedBy}
	case matcha.ScreenConversations:
		return []matcha.QueryKey{matcha.KeyPeers}
	case matcha.ScreenConversation:
		return []matcha.QueryKey{matcha.ChatKey(screen.PeerID)}
	}
	return nil
}

func (w *watcher) showScreen() {
	for _, key := range w.screenKeys() {
		go w.refresh(key)
	}
}

// refresh reloads key through the cache and prints it, when the current
// screen shows it.
func (w *watcher) refresh(key matcha.QueryKey) {
	if !slices.Contains(w.screenKeys(), key) {
		return
	}
	w.mu.Lock()
	ctx, client := w.ctx, w.client
	w.mu.Unlock()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var n int
	var err error
	switch key {
	case matcha.KeyLikedBy:
		var list []matcha.PeerSummary
		list, err = w.cache.LikedBy(ctx, client)
		n = len(list)
	case matcha.KeyViewedBy:
		var list []matcha.PeerSummary
		list, err = w.cache.ViewedBy(ctx, client)
		n = len(list)
	case matcha.KeyPeers:
		var list []matcha.PeerSummary
		list, err = w.cache.Peers(ctx, client)
		n = len(list)
	default:
		var msgs []matcha.ChatMessage
		msgs, err = w.cache.Conversation(ctx, client, w.screens.CurrentScreen().PeerID)
		n = len(msgs)
	}
	if err != nil {
		glog.Infof("[watch]refresh %s = %s\n", key, err)
		return
	}
	fmt.Printf("[%s] %s: %d\n", time.Now().Format(time.TimeOnly), key, n)
}

func (w *watcher) start(ctx context.Context, cfg *Config) error {
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	if claims, err := matcha.ParseSessionToken(cfg.Auth.Token); err == nil && claims.Expired(time.Now()) {
		return fmt.Errorf("session token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}

	push := client.Push(pushConfig(cfg.Push))
	push.OnFrame(w.router.HandleFrame)
	push.OnStateChange(func(from, to matcha.ConnState) {
		fmt.Printf("[%s] %s -> %s\n", time.Now().Format(time.TimeOnly), from, to)
		if to == matcha.StatePermanentlyClosed {
			fmt.Println("The server rejected the session. Update auth.token to reconnect.")
		}
	})
	push.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Printf("[%s] reconnect attempt %d in %s\n", time.Now().Format(time.TimeOnly), attempt, delay)
	})
	if err := push.Start(ctx); err != nil {
		return err
	}
	w.token, w.push = cfg.Auth.Token, push
	w.mu.Lock()
	w.ctx, w.client = ctx, client
	w.mu.Unlock()
	return nil
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.client = nil
	w.mu.Unlock()
	if w.push != nil {
		w.push.Stop()
		w.push = nil
	}
}

// reload applies a changed config. It reports true once the token was removed.
func (w *watcher) reload(ctx context.Context, cfg *Config) (bool, error) {
	if cfg.Auth.Token == w.token {
		return false, nil
	}
	w.stop()
	w.cache.InvalidatePrefix("")
	if cfg.Auth.Token == "" {
		return true, nil
	}
	fmt.Println("Session token changed, reconnecting.")
	if err := w.start(ctx, cfg); err != nil {
		return false, err
	}
	w.showScreen()
	return false, nil
}

func printNotification(n matcha.Notification) {
	fmt.Printf("[%s] %-7s %s (user #%d)\n", time.Now().Format(time.TimeOnly), n.Level, n.Message, n.SenderID)
}
