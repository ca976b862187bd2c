package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/citest/testutil"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/internal/transport/transporttest"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

var _ = Describe("Message Workflows", func() {
	var (
		client *testutil.TestClient
		sess   *types.Session
	)

	BeforeEach(func() {
		client = newOwner()
		var err error
		sess, err = client.CreateSession(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Assistant Conversations", func() {
		var conv *types.Conversation

		BeforeEach(func() {
			var err error
			conv, err = client.CreateConversation(ctx, sess.ID, "Suporte")
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Kind).To(Equal(types.ConversationAssistant))
			Expect(conv.ContactName).To(HaveValue(Equal("Suporte")))
		})

		It("should answer through the configured model", func() {
			res, err := client.SendMessage(ctx, sess.ID, conv.ID, "Oi")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Inbound.Body).To(Equal("Oi"))
			Expect(res.Reply.Body).To(Equal(testutil.DefaultMockReply))
			Expect(res.Reply.FromSelf).To(BeTrue())
			Expect(res.Messages).To(HaveLen(2))

			Expect(testServer.LLM.RequestsFor("Oi")).To(BeNumerically(">=", 1))
		})

		It("should carry the recent history in the prompt", func() {
			testServer.LLM.Reply("Qual é o seu nome?", "Sou o assistente.")

			_, err := client.SendMessage(ctx, sess.ID, conv.ID, "Boa tarde")
			Expect(err).NotTo(HaveOccurred())
			res, err := client.SendMessage(ctx, sess.ID, conv.ID, "Qual é o seu nome?")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reply.Body).To(Equal("Sou o assistente."))

			var prompt string
			for _, r := range testServer.LLM.Requests() {
				if r.UserTurn == "Qual é o seu nome?" {
					prompt = r.Prompt
				}
			}
			Expect(prompt).To(ContainSubstring("Usuário: Boa tarde"))
			Expect(prompt).To(ContainSubstring("Assistente: " + testutil.DefaultMockReply))

			msgs, err := client.ListMessages(ctx, sess.ID, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(4))
			for i := 1; i < len(msgs); i++ {
				Expect(msgs[i].Seq).To(BeNumerically(">", msgs[i-1].Seq))
			}
		})

		It("should fall back when the model fails", func() {
			testServer.LLM.Fail("isso vai falhar", -1)

			res, err := client.SendMessage(ctx, sess.ID, conv.ID, "isso vai falhar")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reply.Body).To(Equal(session.DefaultFallbackReply))
		})

		It("should apologise for an empty model reply", func() {
			testServer.LLM.Reply("resposta vazia", "")

			res, err := client.SendMessage(ctx, sess.ID, conv.ID, "resposta vazia")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reply.Body).To(Equal(session.EmptyReply))
		})

		It("should reuse cached replies for identical prompts", func() {
			other, err := client.CreateConversation(ctx, sess.ID, "")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.SendMessage(ctx, sess.ID, conv.ID, "Qual o horário de atendimento?")
			Expect(err).NotTo(HaveOccurred())
			res, err := client.SendMessage(ctx, sess.ID, other.ID, "Qual o  horário de atendimento? ")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reply.Body).To(Equal(testutil.DefaultMockReply))

			Expect(testServer.LLM.RequestsFor("Qual o horário de atendimento?")).To(Equal(1))
		})

		It("should reject blank messages", func() {
			resp, err := client.Post(ctx, "/sessions/"+sess.ID+"/conversations/"+conv.ID+"/messages", map[string]string{"text": "   "})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Transport Conversations", func() {
		const contact = "5511988887777@s.whatsapp.net"

		var (
			conn *transporttest.Conn
			sse  *testutil.SSEClient
		)

		BeforeEach(func() {
			conn = testServer.Transport.Last(sess.ID)
			Expect(conn).NotTo(BeNil())

			sse = testServer.SSEClient(client.Owner)
			Expect(sse.Connect(ctx, sess.ID)).To(Succeed())

			conn.Open()
			_, err := sse.WaitForStatus(string(types.StatusConnected), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			sse.Close()
		})

		It("should reply to an inbound message and publish the history", func() {
			conn.Messages(transport.InboundMessage{
				ID:           "wamid-1",
				RemoteJID:    contact,
				PushName:     "Ana",
				Conversation: "Bom dia",
				Timestamp:    time.Now(),
			})

			Eventually(conn.Sent, 5*time.Second).Should(ContainElement(transporttest.Sent{
				To:   contact,
				Text: testutil.DefaultMockReply,
			}))

			evt, err := sse.WaitFor(5*time.Second, func(evt testutil.SSEEvent) bool {
				if evt.Type != string(event.Message) {
					return false
				}
				e, err := evt.Event()
				if err != nil {
					return false
				}
				data, ok := e.Data.(event.MessageData)
				return ok && len(data.Messages) == 2
			})
			Expect(err).NotTo(HaveOccurred())
			e, _ := evt.Event()
			data := e.Data.(event.MessageData)
			Expect(data.Messages[0].Body).To(Equal("Bom dia"))
			Expect(data.Messages[1].Body).To(Equal(testutil.DefaultMockReply))

			convs, err := client.ListConversations(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))
			Expect(convs[0].Kind).To(Equal(types.ConversationContact))
			Expect(convs[0].ContactIdentifier).To(Equal(contact))
			Expect(convs[0].ContactName).To(HaveValue(Equal("Ana")))
		})

		It("should ignore groups and its own messages", func() {
			conn.Messages(
				transport.InboundMessage{ID: "g1", RemoteJID: "120363@g.us", Conversation: "oi grupo", Timestamp: time.Now()},
				transport.InboundMessage{ID: "s1", RemoteJID: contact, FromMe: true, Conversation: "eu mesmo", Timestamp: time.Now()},
			)

			Consistently(conn.Sent, 300*time.Millisecond).Should(BeEmpty())
			convs, err := client.ListConversations(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(BeEmpty())
		})

		It("should send outbound text to a contact", func() {
			conn.Messages(transport.InboundMessage{ID: "wamid-2", RemoteJID: contact, Conversation: "Olá", Timestamp: time.Now()})
			Eventually(conn.Sent, 5*time.Second).Should(HaveLen(1))

			convs, err := client.ListConversations(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))

			msg, err := client.SendDirect(ctx, sess.ID, convs[0].ID, "Seu pedido foi enviado.")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.FromSelf).To(BeTrue())
			Expect(conn.Sent()).To(ContainElement(transporttest.Sent{To: contact, Text: "Seu pedido foi enviado."}))

			Expect(client.DeleteSession(ctx, sess.ID, false)).To(Succeed())
			resp, err := client.Post(ctx, "/sessions/"+sess.ID+"/conversations/"+convs[0].ID+"/send", map[string]string{"text": "ainda aí?"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(resp.ErrorCode()).To(Equal("SESSION_NOT_CONNECTED"))
		})
	})
})
