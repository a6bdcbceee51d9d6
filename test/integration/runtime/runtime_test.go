// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

//go:build integration

package runtime_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plugdeck/plugdeck/internal/broker"
	"github.com/plugdeck/plugdeck/internal/gateway"
	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/loader"
	luahost "github.com/plugdeck/plugdeck/internal/loader/lua"
	"github.com/plugdeck/plugdeck/internal/provider/localdisk"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/status"
	"github.com/plugdeck/plugdeck/internal/variables"
)

const echoScript = `
plugdeck.on("REQUEST_ECHO", function(ev)
    plugdeck.reply(ev, "success", ev.payload)
end)

function initialize()
    plugdeck.log("echo plugin initialized")
end
`

type consoleEnv struct {
	tmpDir  string
	bus     *hub.Hub
	vars    *variables.Service
	ledger  *status.Ledger
	reg     *registry.Registry
	storage *broker.StorageBroker
	host    *luahost.Host
	loader  *loader.Loader
}

func newConsoleEnv(descriptors []*registry.Descriptor) *consoleEnv {
	tmpDir := GinkgoT().TempDir()

	reg, err := registry.New(descriptors)
	Expect(err).NotTo(HaveOccurred())

	bus := hub.New()
	vars := variables.New(bus)
	ledger := status.NewLedger()
	storage := broker.NewStorage(reg, vars, bus, map[string]broker.StorageFactory{
		localdisk.PluginID: localdisk.New,
	})
	host := luahost.NewHost()

	ldr := loader.New(reg, bus, vars, ledger, storage, nil, semver.MustParse("1.0.0"),
		loader.WithScriptHost(host),
		loader.WithWatchdog(5*time.Second),
		loader.WithBuiltin(localdisk.PluginID, func(context.Context, *loader.Capabilities) error {
			return nil
		}),
	)

	return &consoleEnv{
		tmpDir:  tmpDir,
		bus:     bus,
		vars:    vars,
		ledger:  ledger,
		reg:     reg,
		storage: storage,
		host:    host,
		loader:  ldr,
	}
}

func writePlugin(dir, script string) string {
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o600)).To(Succeed())
	return dir
}

func echoDescriptor(installPath string) *registry.Descriptor {
	return &registry.Descriptor{
		ID:          "echo",
		DisplayName: "Echo",
		Version:     "1.0.0",
		Type:        registry.TypeFeature,
		Runtime:     registry.RuntimeLua,
		InstallPath: installPath,
		EntryPoint:  "main.lua",
		Active:      true,
	}
}

var _ = Describe("Plugin runtime", func() {
	var env *consoleEnv

	AfterEach(func() {
		if env != nil {
			Expect(env.host.Close(context.Background())).To(Succeed())
		}
	})

	Describe("mounting plugins", func() {
		It("mounts active plugins and emits lifecycle events", func() {
			var mounted []string
			pluginDir := GinkgoT().TempDir()
			writePlugin(pluginDir, echoScript)
			env = newConsoleEnv([]*registry.Descriptor{echoDescriptor(pluginDir)})

			env.bus.Subscribe(hub.EventPluginMounted, func(ev hub.Event) {
				if id, ok := ev.Payload["pluginId"].(string); ok {
					mounted = append(mounted, id)
				}
			})

			Expect(env.loader.LoadAll(context.Background())).To(Succeed())

			Expect(env.loader.States()).To(HaveKeyWithValue("echo", loader.StateMounted))
			Expect(mounted).To(ContainElement("echo"))
		})

		It("isolates a failing plugin from its neighbors", func() {
			goodDir := GinkgoT().TempDir()
			writePlugin(goodDir, echoScript)

			broken := &registry.Descriptor{
				ID:          "broken",
				DisplayName: "Broken",
				Version:     "1.0.0",
				Type:        registry.TypeFeature,
				Runtime:     registry.RuntimeLua,
				InstallPath: "/nonexistent",
				EntryPoint:  "main.lua",
				Active:      true,
			}
			trailing := &registry.Descriptor{
				ID:          "trailing",
				DisplayName: "Trailing",
				Version:     "1.0.0",
				Type:        registry.TypeStorageProvider,
				Runtime:     registry.RuntimeBuiltin,
				Active:      true,
			}

			env = newConsoleEnv([]*registry.Descriptor{echoDescriptor(goodDir), broken, trailing})
			trailingRan := false
			// Re-create the loader with a builtin for the trailing plugin.
			env.loader = loader.New(env.reg, env.bus, env.vars, env.ledger, env.storage, nil,
				semver.MustParse("1.0.0"),
				loader.WithScriptHost(env.host),
				loader.WithBuiltin("trailing", func(context.Context, *loader.Capabilities) error {
					trailingRan = true
					return nil
				}),
			)

			Expect(env.loader.LoadAll(context.Background())).To(Succeed())

			states := env.loader.States()
			Expect(states).To(HaveKeyWithValue("echo", loader.StateMounted))
			Expect(states).To(HaveKeyWithValue("broken", loader.StateFailed))
			Expect(states).To(HaveKeyWithValue("trailing", loader.StateMounted))
			Expect(trailingRan).To(BeTrue())

			entries := env.ledger.Get("broken")
			Expect(entries).NotTo(BeEmpty())
			Expect(entries[0].Severity).To(Equal(status.SeverityError))
		})

		It("rejects plugins whose required core version does not match", func() {
			pluginDir := GinkgoT().TempDir()
			writePlugin(pluginDir, echoScript)
			desc := echoDescriptor(pluginDir)
			desc.RequiredCoreVersion = ">=2.0.0"

			env = newConsoleEnv([]*registry.Descriptor{desc})
			Expect(env.loader.LoadAll(context.Background())).To(Succeed())
			Expect(env.loader.States()).To(HaveKeyWithValue("echo", loader.StateFailed))
		})
	})

	Describe("command gateway", func() {
		It("answers correlated requests end to end over HTTP", func() {
			pluginDir := GinkgoT().TempDir()
			writePlugin(pluginDir, echoScript)
			env = newConsoleEnv([]*registry.Descriptor{echoDescriptor(pluginDir)})
			Expect(env.loader.LoadAll(context.Background())).To(Succeed())

			correlator := gateway.NewCorrelator(env.bus)
			server := gateway.NewServer("127.0.0.1:0", correlator, env.reg, env.ledger, nil)
			_, err := server.Start()
			Expect(err).NotTo(HaveOccurred())
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				Expect(server.Stop(ctx)).To(Succeed())
			}()

			body, err := json.Marshal(map[string]any{
				"event":    "REQUEST_ECHO",
				"pluginId": "operator",
				"data":     map[string]any{"message": "hello"},
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Post("http://"+server.Addr()+"/command", "application/json", bytes.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var decoded struct {
				Outcome string         `json:"outcome"`
				Payload map[string]any `json:"payload"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
			Expect(decoded.Outcome).To(Equal("success"))
			Expect(decoded.Payload).To(HaveKeyWithValue("message", "hello"))
		})

		It("times out and cleans up when no plugin answers", func() {
			env = newConsoleEnv(nil)

			correlator := gateway.NewCorrelator(env.bus).
				WithTimeoutFunc(func(string) time.Duration { return 50 * time.Millisecond })

			start := time.Now()
			_, err := correlator.Request(context.Background(), "REQUEST_NOBODY", "operator", nil)
			Expect(err).To(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(env.bus.SubscriberCount("RESPONSE_NOBODY")).To(BeZero())
		})
	})

	Describe("storage broker", func() {
		It("resolves deferred settings and hot-swaps on republish", func() {
			env = newConsoleEnv([]*registry.Descriptor{{
				ID:          localdisk.PluginID,
				DisplayName: "Local Disk Storage",
				Version:     "1.0.0",
				Type:        registry.TypeStorageProvider,
				Runtime:     registry.RuntimeBuiltin,
				Active:      true,
			}})

			firstRoot := GinkgoT().TempDir()
			secondRoot := GinkgoT().TempDir()

			cfg := broker.Config{
				ProviderID: localdisk.PluginID,
				Settings: map[string]any{
					"repositoryPath": "@var:admin.storagePath",
				},
				SettingsWait: 5 * time.Second,
			}

			done := make(chan error, 1)
			go func() {
				done <- env.storage.Initialize(context.Background(), cfg)
			}()

			env.vars.Publish("admin", "storagePath", firstRoot)
			Eventually(done, "5s").Should(Receive(BeNil()))
			Eventually(env.storage.Ready, "5s").Should(BeTrue())

			ctx := context.Background()
			Expect(env.storage.Write(ctx, "notes/a.txt", []byte("first"))).To(Succeed())
			data, err := env.storage.Read(ctx, "notes/a.txt")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("first"))

			// Republishing the feeding variable swaps the provider to the
			// new root without restarting anything.
			env.vars.Publish("admin", "storagePath", secondRoot)

			Eventually(func() error {
				return env.storage.Write(ctx, "notes/b.txt", []byte("second"))
			}, "5s").Should(Succeed())

			Eventually(func() bool {
				_, statErr := os.Stat(filepath.Join(secondRoot, "notes/b.txt"))
				return statErr == nil
			}, "5s").Should(BeTrue())
		})
	})

	Describe("variable service", func() {
		It("resolves pending gets when the variable is published later", func() {
			env = newConsoleEnv(nil)

			type result struct {
				value any
				err   error
			}
			results := make(chan result, 3)
			for range 3 {
				go func() {
					v, err := env.vars.Get(context.Background(), "publisher.answer", time.Second)
					results <- result{v, err}
				}()
			}

			Eventually(func() int {
				return env.vars.PendingWaiters("publisher.answer")
			}, "2s").Should(Equal(3))

			env.vars.Publish("publisher", "answer", 42)

			for range 3 {
				var r result
				Eventually(results, "2s").Should(Receive(&r))
				Expect(r.err).NotTo(HaveOccurred())
				Expect(r.value).To(Equal(42))
			}
		})
	})
})
