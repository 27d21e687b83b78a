package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nbcodex-ai/nbcodex/citest/testutil"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// threadID polls the session snapshot for its backend thread id.
func threadID(path string) func() string {
	return func() string {
		s, err := client.GetSession(ctx, path)
		if err != nil {
			return ""
		}
		return s.ThreadID
	}
}

var _ = Describe("Session Lifecycle", func() {
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

	Describe("Opening documents", func() {
		It("should open a jupytext document and complete the handshake", func() {
			path, err := docs.CreateJupytextDoc("analysis.py")
			Expect(err).NotTo(HaveOccurred())

			sess, err := client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Key).To(Equal(path))
			Expect(sess.NotebookPath).To(Equal(path))
			Expect(sess.RunState).To(Equal(types.RunReady))
			Expect(sess.Messages).To(BeEmpty())
			Expect(sess.Pairing.OK).To(BeTrue())
			Expect(sess.Pairing.NotebookMode).To(Equal(types.NotebookJupytextPy))

			// The backend acknowledges the handshake asynchronously
			Eventually(threadID(path)).ShouldNot(BeEmpty())

			resolved, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.ConversationMode).To(Equal(types.ModeResume))
		})

		It("should classify a plain python script", func() {
			path, err := docs.CreatePlainScript("script.py")
			Expect(err).NotTo(HaveOccurred())

			sess, err := client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Pairing.OK).To(BeTrue())
			Expect(sess.Pairing.NotebookMode).To(Equal(types.NotebookPlainPy))
		})

		It("should pair a notebook that has a jupytext twin", func() {
			path, err := docs.CreateNotebookPair("report.ipynb")
			Expect(err).NotTo(HaveOccurred())

			sess, err := client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Pairing.OK).To(BeTrue())
			Expect(sess.Pairing.NotebookMode).To(Equal(types.NotebookIpynb))
			Expect(sess.Pairing.Path).To(HaveSuffix("report.py"))
		})

		It("should block a notebook without a jupytext twin", func() {
			path, err := docs.CreateFile("solo.ipynb", `{"cells": []}`)
			Expect(err).NotTo(HaveOccurred())

			sess, err := client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Pairing.OK).To(BeFalse())
			Expect(sess.Pairing.Message).To(ContainSubstring("paired"))
		})

		It("should mark unsupported document types", func() {
			path, err := docs.CreateFile("notes.txt", "free text")
			Expect(err).NotTo(HaveOccurred())

			sess, err := client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Pairing.OK).To(BeFalse())
			Expect(sess.Pairing.NotebookMode).To(Equal(types.NotebookUnsupported))
		})
	})

	Describe("Session retrieval", func() {
		It("should retrieve a session by document path", func() {
			path, err := docs.CreateJupytextDoc("lookup.py")
			Expect(err).NotTo(HaveOccurred())

			opened, err := client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			retrieved, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved.Key).To(Equal(opened.Key))
		})

		It("should return 404 for an unknown path", func() {
			resp, err := client.Get(ctx, "/session/status",
				testutil.WithQuery(map[string]string{"path": "/nowhere/missing.py"}))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(resp.ErrorCode()).To(Equal("NOT_FOUND"))
		})

		It("should list open sessions", func() {
			path, err := docs.CreateJupytextDoc("listed.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			sessions, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())

			found := false
			for _, s := range sessions {
				if s.Key == path {
					found = true
					break
				}
			}
			Expect(found).To(BeTrue(), "Opened session should be in list")
		})

		It("should accept a foreground switch", func() {
			path, err := docs.CreateJupytextDoc("front.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.SetForeground(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})
	})

	Describe("Session options", func() {
		It("should update model, effort and sandbox", func() {
			path, err := docs.CreateJupytextDoc("options.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.SetOptions(ctx, path, types.Options{
				Model:           "gpt-5.1-codex",
				ReasoningEffort: "high",
				Sandbox:         "read-only",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			var updated types.Session
			Expect(resp.JSON(&updated)).To(Succeed())
			Expect(updated.Options.Model).To(Equal("gpt-5.1-codex"))
			Expect(updated.Options.ReasoningEffort).To(Equal("high"))
			Expect(updated.Options.Sandbox).To(Equal("read-only"))
		})

		It("should keep unset fields on partial updates", func() {
			path, err := docs.CreateJupytextDoc("partial.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.SetOptions(ctx, path, types.Options{Model: "gpt-5.1-codex"})
			Expect(err).NotTo(HaveOccurred())
			resp, err := client.SetOptions(ctx, path, types.Options{Sandbox: "read-only"})
			Expect(err).NotTo(HaveOccurred())

			var updated types.Session
			Expect(resp.JSON(&updated)).To(Succeed())
			Expect(updated.Options.Model).To(Equal("gpt-5.1-codex"))
			Expect(updated.Options.Sandbox).To(Equal("read-only"))
		})

		It("should reject an invalid model name", func() {
			path, err := docs.CreateJupytextDoc("badmodel.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.SetOptions(ctx, path, types.Options{Model: "bad model"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(resp.ErrorCode()).To(Equal("INVALID_REQUEST"))
		})

		It("should reject an invalid sandbox mode", func() {
			path, err := docs.CreateJupytextDoc("badsandbox.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.SetOptions(ctx, path, types.Options{Sandbox: "everything"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Thread reset", func() {
		It("should start a fresh thread and clear the conversation", func() {
			path, err := docs.CreateJupytextDoc("reset.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(threadID(path)).ShouldNot(BeEmpty())
			oldThread, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			// Populate the conversation and let the run finish so no
			// scripted frames land after the reset
			resp, err := client.SendPrompt(ctx, path, "Say hello, world for me")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
			Eventually(func() bool {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return false
				}
				return s.RunState == types.RunReady && len(s.Messages) >= 3
			}).Should(BeTrue())

			minted, err := client.NewThread(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(minted).NotTo(BeEmpty())
			Expect(minted).NotTo(Equal(oldThread.ThreadID))

			Eventually(func() int {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return -1
				}
				return len(s.Messages)
			}).Should(BeZero())
			Eventually(threadID(path)).ShouldNot(Equal(oldThread.ThreadID))
		})
	})

	Describe("Conversation removal", func() {
		It("should delete the backend record and move to a fresh thread", func() {
			path, err := docs.CreateJupytextDoc("discard.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(threadID(path)).ShouldNot(BeEmpty())
			old, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			seen := len(backend.FramesOfType("delete_session"))
			minted, err := client.DeleteThread(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(minted).NotTo(BeEmpty())
			Expect(minted).NotTo(Equal(old.ThreadID))

			frame, err := backend.WaitForFrame("delete_session", seen, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(frame.Str("sessionId")).To(Equal(old.ThreadID))

			Eventually(threadID(path)).ShouldNot(Equal(old.ThreadID))
			s, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Messages).To(BeEmpty())
		})

		It("should report a missing session on delete", func() {
			_, err := client.DeleteThread(ctx, "never-opened.py")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("404"))
		})

		It("should notify the backend when a document closes", func() {
			path, err := docs.CreateJupytextDoc("closing.py")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(threadID(path)).ShouldNot(BeEmpty())
			s, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			seen := len(backend.FramesOfType("end_session"))
			resp, err := client.CloseDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			frame, err := backend.WaitForFrame("end_session", seen, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(frame.Str("sessionId")).To(Equal(s.ThreadID))

			// The session stays around for the next open
			still, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(still.ThreadID).To(Equal(s.ThreadID))
		})
	})

	Describe("History replay", func() {
		It("should replay backend history into an empty session", func() {
			path, err := docs.CreateJupytextDoc("history.py")
			Expect(err).NotTo(HaveOccurred())

			backend.SetHistory(path, []testutil.HistoryEntry{
				{Role: "user", Content: "What does this cell do?"},
				{Role: "assistant", Content: "It loads the dataframe."},
			})

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return 0
				}
				return len(s.Messages)
			}).Should(Equal(2))

			s, err := client.GetSession(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Messages[0].Role).To(Equal(types.RoleUser))
			Expect(s.Messages[0].Text).To(Equal("What does this cell do?"))
			Expect(s.Messages[1].Role).To(Equal(types.RoleAssistant))
			Expect(s.Messages[1].Text).To(Equal("It loads the dataframe."))
		})

		It("should not replay history twice", func() {
			path, err := docs.CreateJupytextDoc("history-once.py")
			Expect(err).NotTo(HaveOccurred())

			backend.SetHistory(path, []testutil.HistoryEntry{
				{Role: "user", Content: "Earlier question"},
			})

			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return 0
				}
				return len(s.Messages)
			}).Should(Equal(1))

			// A second handshake with the same history must not duplicate
			backend.SetHistory(path, []testutil.HistoryEntry{
				{Role: "user", Content: "Earlier question"},
			})
			_, err = client.OpenDocument(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Eventually(threadID(path)).ShouldNot(BeEmpty())

			Consistently(func() int {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return -1
				}
				return len(s.Messages)
			}, "300ms", "50ms").Should(Equal(1))
		})
	})
})
