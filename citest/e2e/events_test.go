package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nbcodex-ai/nbcodex/citest/testutil"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// sessionChangedKey extracts the session key of a session.changed event.
func sessionChangedKey(e testutil.SSEEvent) string {
	var data struct {
		Session *types.Session `json:"session"`
	}
	if err := e.DecodeProperties(&data); err != nil || data.Session == nil {
		return ""
	}
	return data.Session.Key
}

// waitForSessionChanged consumes the stream until a session.changed for
// key arrives.
func waitForSessionChanged(sse *testutil.SSEClient, key string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := sse.WaitForEvent("session.changed", time.Until(deadline))
		if err != nil {
			return false
		}
		if sessionChangedKey(e) == key {
			return true
		}
	}
	return false
}

var _ = Describe("Event Stream", func() {
	var docs *testutil.TempDir

	BeforeEach(func() {
		var err error
		docs, err = testutil.NewTempDir()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if docs != nil {
			docs.Cleanup()
		}
	})

	It("should greet a new stream with bridge.connected", func() {
		sse, err := engine.OpenEventStream(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer sse.Close()

		_, err = sse.WaitForEvent("bridge.connected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should stream session.changed when a document opens", func() {
		sse, err := engine.OpenEventStream(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer sse.Close()

		_, err = sse.WaitForEvent("bridge.connected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())

		path, err := docs.CreateJupytextDoc("streamed.py")
		Expect(err).NotTo(HaveOccurred())
		_, err = client.OpenDocument(ctx, path)
		Expect(err).NotTo(HaveOccurred())

		Expect(waitForSessionChanged(sse, path, 5*time.Second)).To(BeTrue())
	})

	It("should stream thread.reset after a new thread", func() {
		path, err := docs.CreateJupytextDoc("reset-events.py")
		Expect(err).NotTo(HaveOccurred())
		_, err = client.OpenDocument(ctx, path)
		Expect(err).NotTo(HaveOccurred())
		Eventually(threadID(path)).ShouldNot(BeEmpty())

		sse, err := engine.OpenEventStream(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer sse.Close()
		_, err = sse.WaitForEvent("bridge.connected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())

		minted, err := client.NewThread(ctx, path)
		Expect(err).NotTo(HaveOccurred())

		e, err := sse.WaitForEvent("thread.reset", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		var data struct {
			SessionKey string `json:"sessionKey"`
			ThreadID   string `json:"threadID"`
		}
		Expect(e.DecodeProperties(&data)).To(Succeed())
		Expect(data.SessionKey).To(Equal(path))
		Expect(data.ThreadID).To(Equal(minted))
	})

	It("should filter a per-document stream to its own session", func() {
		pathA, err := docs.CreateJupytextDoc("filtered-a.py")
		Expect(err).NotTo(HaveOccurred())
		pathB, err := docs.CreateJupytextDoc("filtered-b.py")
		Expect(err).NotTo(HaveOccurred())

		_, err = client.OpenDocument(ctx, pathA)
		Expect(err).NotTo(HaveOccurred())
		Eventually(threadID(pathA)).ShouldNot(BeEmpty())

		sse, err := engine.OpenSessionStream(ctx, pathA)
		Expect(err).NotTo(HaveOccurred())
		defer sse.Close()

		// The server subscribes just after flushing headers, so poke
		// the session until its changes come through.
		sandboxes := []string{"read-only", "workspace-write"}
		poke := 0
		Eventually(func() bool {
			_, err := client.SetOptions(ctx, pathA, types.Options{Sandbox: sandboxes[poke%2]})
			if err != nil {
				return false
			}
			poke++
			_, err = sse.WaitForEvent("session.changed", 200*time.Millisecond)
			return err == nil
		}).Should(BeTrue())

		// A full round trip on another document must not leak in.
		_, err = client.OpenDocument(ctx, pathB)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.SendPrompt(ctx, pathB, "Say hello, world please")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.IsSuccess()).To(BeTrue())
		Eventually(func() bool {
			s, err := client.GetSession(ctx, pathB)
			return err == nil && s.RunState == types.RunReady && len(s.Messages) > 1
		}).Should(BeTrue())

		for _, e := range sse.CollectEvents(300 * time.Millisecond) {
			if e.Type != "session.changed" {
				continue
			}
			Expect(sessionChangedKey(e)).To(Equal(pathA), "filtered stream leaked another session")
		}
	})

	It("should broadcast ratelimits.updated after a refresh", func() {
		sse, err := engine.OpenEventStream(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer sse.Close()
		_, err = sse.WaitForEvent("bridge.connected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.RefreshLimits(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.IsSuccess()).To(BeTrue())

		e, err := sse.WaitForEvent("ratelimits.updated", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		var data struct {
			Limits types.RateLimits `json:"limits"`
		}
		Expect(e.DecodeProperties(&data)).To(Succeed())
		Expect(data.Limits.Primary).NotTo(BeNil())
		Expect(data.Limits.Primary.UsedPercent).To(BeNumerically("~", 37.5, 0.01))
	})
})
