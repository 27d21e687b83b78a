package e2e_test

import (
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nbcodex-ai/nbcodex/citest/testutil"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// mustGetSession fetches the session snapshot or fails the test.
func mustGetSession(path string) *types.Session {
	s, err := client.GetSession(ctx, path)
	Expect(err).NotTo(HaveOccurred())
	return s
}

// hasText reports whether the session holds a text entry with the given
// role and exact text.
func hasText(s *types.Session, role types.Role, text string) bool {
	for _, m := range s.Messages {
		if m.Kind == types.KindText && m.Role == role && m.Text == text {
			return true
		}
	}
	return false
}

// countActivity counts activity rows matching category and detail
// substring.
func countActivity(s *types.Session, category types.ActivityCategory, detail string) int {
	count := 0
	for _, m := range s.Messages {
		if m.Kind != types.KindActivity || m.Activity == nil {
			continue
		}
		if m.Activity.Category == category && strings.Contains(m.Activity.Detail, detail) {
			count++
		}
	}
	return count
}

// runFinished polls until the session is back to ready with the given
// assistant reply present.
func runFinished(path, reply string) func() bool {
	return func() bool {
		s, err := client.GetSession(ctx, path)
		if err != nil {
			return false
		}
		return s.RunState == types.RunReady && hasText(s, types.RoleAssistant, reply)
	}
}

// openAndHandshake opens a fresh jupytext document and waits for the
// backend thread.
func openAndHandshake(docs *testutil.TempDir, name string) string {
	path, err := docs.CreateJupytextDoc(name)
	Expect(err).NotTo(HaveOccurred())
	_, err = client.OpenDocument(ctx, path)
	Expect(err).NotTo(HaveOccurred())
	Eventually(threadID(path)).ShouldNot(BeEmpty())
	return path
}

var _ = Describe("Prompt Round Trips", func() {
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

	Describe("Simple exchange", func() {
		It("should deliver the prompt and record the scripted reply", func() {
			path := openAndHandshake(docs, "hello.py")
			prompt := "Say hello, world and stop."

			resp, err := client.SendPrompt(ctx, path, prompt)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())

			Eventually(runFinished(path, "Hello, World!")).Should(BeTrue())

			s := mustGetSession(path)
			Expect(s.Messages[0].Kind).To(Equal(types.KindText))
			Expect(s.Messages[0].Role).To(Equal(types.RoleUser))
			Expect(s.Messages[0].Text).To(Equal(prompt))

			// A finished run leaves a duration divider and no progress
			last := s.Messages[len(s.Messages)-1]
			Expect(last.Kind).To(Equal(types.KindDivider))
			Expect(s.ActiveRunID).To(BeEmpty())
			Expect(s.Progress.Text).To(BeEmpty())
		})

		It("should stamp session metadata onto the outbound frame", func() {
			path := openAndHandshake(docs, "metadata.py")
			thread := mustGetSession(path).ThreadID
			prompt := "Say hello, world with metadata."

			_, err := client.SendPrompt(ctx, path, prompt)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				for _, f := range backend.FramesOfType("send") {
					if f.Str("content") == prompt {
						return f.Str("sessionId") == thread &&
							f.Str("sessionContextKey") == path &&
							f.Str("notebookPath") == path
					}
				}
				return false
			}).Should(BeTrue())
		})
	})

	Describe("Activity timeline", func() {
		It("should merge command start and completion into one row", func() {
			path := openAndHandshake(docs, "activity.py")

			_, err := client.SendPrompt(ctx, path, "Please inspect the data for me")
			Expect(err).NotTo(HaveOccurred())

			Eventually(runFinished(path, "The dataframe has 100 rows.")).Should(BeTrue())

			s := mustGetSession(path)
			Expect(countActivity(s, types.ActivityReasoning, "Looking at the dataframe shape")).To(Equal(1))
			Expect(countActivity(s, types.ActivityCommand, "print(df.shape)")).To(Equal(1))

			for _, m := range s.Messages {
				if m.Kind == types.KindActivity && m.Activity.Category == types.ActivityCommand {
					Expect(m.Activity.Phase).To(Equal(types.PhaseCompleted))
					Expect(m.Activity.Title).To(Equal("Command completed"))
				}
			}
		})

		It("should drop back-to-back duplicate reasoning", func() {
			path := openAndHandshake(docs, "dedupe.py")

			_, err := client.SendPrompt(ctx, path, "Could you repeat yourself?")
			Expect(err).NotTo(HaveOccurred())

			Eventually(runFinished(path, "Done thinking.")).Should(BeTrue())

			s := mustGetSession(path)
			Expect(countActivity(s, types.ActivityReasoning, "Thinking about the request")).To(Equal(1))
		})
	})

	Describe("Run gating", func() {
		It("should reject a prompt while a run is active, then cancel it", func() {
			path := openAndHandshake(docs, "busy.py")

			_, err := client.SendPrompt(ctx, path, "Please work forever")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return false
				}
				return s.Running() && s.ActiveRunID != ""
			}).Should(BeTrue())

			resp, err := client.SendPrompt(ctx, path, "One more thing")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(resp.ErrorCode()).To(Equal("RUN_ACTIVE"))

			cancelResp, err := client.CancelRun(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelResp.IsSuccess()).To(BeTrue())

			Eventually(func() types.RunState {
				return mustGetSession(path).RunState
			}).Should(Equal(types.RunReady))

			// A cancelled run ends without a failure line
			s := mustGetSession(path)
			Expect(hasText(s, types.RoleSystem, "Run failed with exit code 1.")).To(BeFalse())
			Expect(s.Messages[len(s.Messages)-1].Kind).To(Equal(types.KindDivider))
		})

		It("should treat cancel as a no-op when nothing runs", func() {
			path := openAndHandshake(docs, "idle.py")

			resp, err := client.CancelRun(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
			Expect(mustGetSession(path).RunState).To(Equal(types.RunReady))
		})
	})

	Describe("Failure reporting", func() {
		It("should surface a nonzero exit as a system line", func() {
			path := openAndHandshake(docs, "fail.py")

			_, err := client.SendPrompt(ctx, path, "Go break something now")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				s, err := client.GetSession(ctx, path)
				if err != nil {
					return false
				}
				return hasText(s, types.RoleSystem, "Run failed with exit code 1.")
			}).Should(BeTrue())

			Eventually(func() types.RunState {
				return mustGetSession(path).RunState
			}).Should(Equal(types.RunReady))
		})
	})

	Describe("Prompt validation", func() {
		It("should reject prompts for unsupported documents", func() {
			path, err := docs.CreateFile("data.txt", "not a notebook")
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.SendPrompt(ctx, path, "Do something")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(resp.ErrorCode()).To(Equal("NOT_PAIRED"))
		})

		It("should reject prompts for a notebook without its twin", func() {
			path, err := docs.CreateFile("orphan.ipynb", `{"cells": []}`)
			Expect(err).NotTo(HaveOccurred())

			resp, err := client.SendPrompt(ctx, path, "Do something")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(resp.ErrorCode()).To(Equal("NOT_PAIRED"))
		})

		It("should reject an empty prompt", func() {
			path := openAndHandshake(docs, "empty.py")

			resp, err := client.SendPrompt(ctx, path, "   ")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})
