package e2e_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nbcodex-ai/nbcodex/citest/testutil"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// clientThread polls a specific engine's view of a session's thread id.
func clientThread(c *testutil.BridgeClient, path string) func() string {
	return func() string {
		s, err := c.GetSession(ctx, path)
		if err != nil || s == nil {
			return ""
		}
		return s.ThreadID
	}
}

// These specs exercise connection churn, bulk delete, and cross-instance
// sync, so each builds its own engine instead of sharing the suite's.
var _ = Describe("Engine Lifecycle", func() {
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

	Describe("Reconnect", func() {
		It("should re-handshake known sessions after a connection drop", func() {
			te, err := testutil.StartTestEngine()
			Expect(err).NotTo(HaveOccurred())
			defer te.Stop()
			c := te.Client()

			path, err := docs.CreateJupytextDoc("reconnect.py")
			Expect(err).NotTo(HaveOccurred())
			_, err = c.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(clientThread(c, path)).ShouldNot(BeEmpty())
			thread := clientThread(c, path)()

			handshakes := len(te.Backend.FramesOfType("start_session"))
			connections := te.Backend.ConnectionCount()
			te.Backend.DropConnections()

			Eventually(te.Backend.ConnectionCount).
				WithTimeout(10 * time.Second).
				Should(BeNumerically(">", connections))

			// The re-handshake resumes the established thread.
			frame, err := te.Backend.WaitForFrame("start_session", handshakes, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(frame.Str("sessionId")).To(Equal(thread))
			Expect(frame.Str("sessionContextKey")).To(Equal(path))

			Eventually(func() bool {
				state, err := c.GetBackendState(ctx)
				return err == nil && state.Connected
			}).WithTimeout(10 * time.Second).Should(BeTrue())
		})
	})

	Describe("Bulk delete", func() {
		It("should clear every session once the backend acknowledges", func() {
			te, err := testutil.StartTestEngine()
			Expect(err).NotTo(HaveOccurred())
			defer te.Stop()
			c := te.Client()

			for _, name := range []string{"wipe-a.py", "wipe-b.py"} {
				path, err := docs.CreateJupytextDoc(name)
				Expect(err).NotTo(HaveOccurred())
				_, err = c.OpenDocument(ctx, path)
				Expect(err).NotTo(HaveOccurred())
				Eventually(clientThread(c, path)).ShouldNot(BeEmpty())
			}

			resp, err := c.DeleteAllSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			Eventually(func() int {
				sessions, err := c.ListSessions(ctx)
				if err != nil {
					return -1
				}
				return len(sessions)
			}).Should(BeZero())

			Expect(te.Backend.FramesOfType("delete_all_sessions")).NotTo(BeEmpty())
		})

		It("should retry a pending bulk delete once the backend returns", func() {
			te, err := testutil.StartTestEngine()
			Expect(err).NotTo(HaveOccurred())
			defer te.Stop()
			c := te.Client()

			path, err := docs.CreateJupytextDoc("pending-wipe.py")
			Expect(err).NotTo(HaveOccurred())
			_, err = c.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(clientThread(c, path)).ShouldNot(BeEmpty())

			te.Backend.DropConnections()
			Eventually(func() bool {
				state, err := c.GetBackendState(ctx)
				return err == nil && !state.Connected
			}).Should(BeTrue())

			resp, err := c.DeleteAllSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(502))
			Expect(resp.ErrorCode()).To(Equal("BACKEND_UNAVAILABLE"))

			// Reconnect replays the pending delete and the ack clears
			// the registry.
			Eventually(func() int {
				sessions, err := c.ListSessions(ctx)
				if err != nil {
					return -1
				}
				return len(sessions)
			}).WithTimeout(15 * time.Second).Should(BeZero())
		})
	})

	Describe("Usage limits", func() {
		It("should report limits only after the backend pushes a snapshot", func() {
			te, err := testutil.StartTestEngine()
			Expect(err).NotTo(HaveOccurred())
			defer te.Stop()
			c := te.Client()

			limits, err := c.GetLimits(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(limits).To(BeNil())

			resp, err := c.RefreshLimits(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			var snapshot *types.RateLimits
			Eventually(func() bool {
				l, err := c.GetLimits(ctx)
				if err != nil || l == nil {
					return false
				}
				snapshot = l
				return true
			}).Should(BeTrue())

			Expect(snapshot.Primary).NotTo(BeNil())
			Expect(snapshot.Primary.UsedPercent).To(BeNumerically("~", 37.5, 0.01))
			Expect(snapshot.Context).NotTo(BeNil())
			Expect(snapshot.Context.WindowTokens).To(BeNumerically("==", 272000))
		})
	})

	Describe("Cross-instance thread sync", func() {
		It("should propagate a thread reset to another instance sharing storage", func() {
			shared, err := os.MkdirTemp("", "nbcodex-shared-*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(shared)

			a, err := testutil.StartTestEngine(testutil.WithDataDir(shared))
			Expect(err).NotTo(HaveOccurred())
			defer a.Stop()
			b, err := testutil.StartTestEngine(testutil.WithDataDir(shared))
			Expect(err).NotTo(HaveOccurred())
			defer b.Stop()

			path, err := docs.CreateJupytextDoc("synced.py")
			Expect(err).NotTo(HaveOccurred())

			ca, cb := a.Client(), b.Client()
			_, err = ca.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(clientThread(ca, path)).ShouldNot(BeEmpty())
			_, err = cb.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(clientThread(cb, path)).ShouldNot(BeEmpty())

			minted, err := ca.NewThread(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(minted).NotTo(BeEmpty())

			// The other instance attaches to the announced thread
			// instead of minting its own.
			Eventually(clientThread(cb, path)).
				WithTimeout(10 * time.Second).
				Should(Equal(minted))

			s, err := cb.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Messages).To(BeEmpty())
		})
	})
})
