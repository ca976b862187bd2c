package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/internal/cache"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/store"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/internal/transport/transporttest"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

const contact = "5511988887777@s.whatsapp.net"

// scriptedGenerator answers every prompt with a settable reply or error.
type scriptedGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (g *scriptedGenerator) set(reply string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reply, g.err = reply, err
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reply, g.err
}

type world struct {
	dir   string
	store store.Store
	tr    *transporttest.Transport
	creds *transport.CredentialStore
	bus   *event.Bus
	gen   *scriptedGenerator
	reg   *session.Registry
}

func newWorld(dir string, st store.Store) *world {
	w := &world{
		dir:   dir,
		store: st,
		tr:    transporttest.New(),
		creds: transport.NewCredentialStore(filepath.Join(dir, "sessions")),
		bus:   event.NewBus(),
		gen:   &scriptedGenerator{reply: "Olá!"},
	}
	sup := session.NewSupervisor(w.tr, w.store, w.creds, w.bus, session.ReconnectPolicy{
		Initial: 20 * time.Millisecond,
		Max:     80 * time.Millisecond,
	})
	pipe := session.NewPipeline(w.store, cache.New(cache.NewMemoryBackend(), 0), w.gen, sup, w.bus, session.PipelineConfig{})
	w.reg = session.NewRegistry(w.store, sup, pipe, w.creds, w.bus)
	return w
}

func (w *world) close() {
	w.reg.Close()
	w.bus.Close()
}

func (w *world) status(id string) types.SessionStatus {
	s, err := w.store.GetSession(context.Background(), id)
	if err != nil {
		return ""
	}
	return s.Status
}

var _ = Describe("Registry", func() {
	var (
		ctx context.Context
		dir string
		st  store.Store
		w   *world
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()

		var err error
		st, err = store.OpenSQLite(filepath.Join(dir, "chatbridge.db"))
		Expect(err).NotTo(HaveOccurred())

		w = newWorld(dir, st)
		DeferCleanup(func() {
			w.close()
			st.Close()
		})
	})

	connect := func() (*types.Session, *transporttest.Conn) {
		sess, err := w.reg.CreateSession(ctx, "owner-1")
		Expect(err).NotTo(HaveOccurred())
		conn := w.tr.WaitOpen(2 * time.Second)
		Expect(conn).NotTo(BeNil())
		conn.QR("QR-1")
		conn.Open()
		Eventually(func() types.SessionStatus { return w.status(sess.ID) }).Should(Equal(types.StatusConnected))
		return sess, conn
	}

	Describe("CreateSession", func() {
		It("persists a pending session and opens a connection", func() {
			sess, err := w.reg.CreateSession(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ID).NotTo(BeEmpty())
			Expect(sess.Status).To(Equal(types.StatusPending))

			Expect(w.tr.WaitOpen(2 * time.Second)).NotTo(BeNil())
			Expect(w.reg.Supervisor().IsLive(sess.ID)).To(BeTrue())
		})

		It("requires an owner", func() {
			_, err := w.reg.CreateSession(ctx, " ")
			Expect(err).To(MatchError(session.ErrMissingOwner))
		})

		It("walks pending, qr and connected", func() {
			sess, err := w.reg.CreateSession(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())

			var mu sync.Mutex
			var seen []event.Event
			w.bus.SubscribeSession(sess.ID, func(e event.Event) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, e)
			})

			conn := w.tr.WaitOpen(2 * time.Second)
			Expect(conn).NotTo(BeNil())

			conn.QR("2@abc,def")
			Eventually(func() types.SessionStatus { return w.status(sess.ID) }).Should(Equal(types.StatusQR))
			got, err := w.reg.GetSession(ctx, "owner-1", sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.QRPayload).To(HaveValue(Equal("2@abc,def")))

			conn.Open()
			Eventually(func() types.SessionStatus { return w.status(sess.ID) }).Should(Equal(types.StatusConnected))
			got, err = w.reg.GetSession(ctx, "owner-1", sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.QRPayload).To(BeNil())

			Eventually(func() []event.EventType {
				mu.Lock()
				defer mu.Unlock()
				var kinds []event.EventType
				for _, e := range seen {
					kinds = append(kinds, e.Type())
				}
				return kinds
			}).Should(Equal([]event.EventType{event.QR, event.Status}))
		})
	})

	Describe("inbound messages", func() {
		It("answers Oi with Olá!", func() {
			sess, conn := connect()

			conn.Messages(transport.InboundMessage{ID: "m1", RemoteJID: contact, PushName: "Ana", Conversation: "Oi"})
			Eventually(conn.Sent).Should(ConsistOf(transporttest.Sent{To: contact, Text: "Olá!"}))

			convs, err := w.reg.ListConversations(ctx, "owner-1", sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))
			Expect(convs[0].ContactIdentifier).To(Equal(contact))
			Expect(convs[0].ContactName).To(HaveValue(Equal("Ana")))

			msgs, err := w.reg.ListMessages(ctx, "owner-1", sess.ID, convs[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Body).To(Equal("Oi"))
			Expect(msgs[0].FromSelf).To(BeFalse())
			Expect(msgs[1].Body).To(Equal("Olá!"))
			Expect(msgs[1].FromSelf).To(BeTrue())
		})

		It("replies with the fallback when generation fails", func() {
			w.gen.set("", errors.New("503 from model"))
			_, conn := connect()

			conn.Messages(transport.InboundMessage{ID: "m1", RemoteJID: contact, Conversation: "Oi"})
			Eventually(conn.Sent).Should(ConsistOf(transporttest.Sent{To: contact, Text: session.DefaultFallbackReply}))
		})

		It("ignores groups and its own messages", func() {
			sess, conn := connect()

			conn.Messages(
				transport.InboundMessage{ID: "g1", RemoteJID: "123-456@g.us", Conversation: "Oi"},
				transport.InboundMessage{ID: "f1", RemoteJID: contact, FromMe: true, Conversation: "Oi"},
				transport.InboundMessage{ID: "m1", RemoteJID: contact, Conversation: "Oi"},
			)
			Eventually(conn.Sent).Should(HaveLen(1))
			Consistently(conn.Sent, 100*time.Millisecond).Should(HaveLen(1))

			convs, err := w.reg.ListConversations(ctx, "owner-1", sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(1))
		})
	})

	Describe("API conversations", func() {
		It("creates an assistant conversation and answers through it", func() {
			sess, conn := connect()

			conv, err := w.reg.CreateConversation(ctx, "owner-1", sess.ID, "Suporte")
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Kind).To(Equal(types.ConversationAssistant))
			Expect(conv.ContactName).To(HaveValue(Equal("Suporte")))

			res, err := w.reg.SendMessage(ctx, "owner-1", sess.ID, conv.ID, "Oi")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Messages).To(HaveLen(2))
			Expect(res.Reply.Body).To(Equal("Olá!"))
			Expect(conn.Sent()).To(BeEmpty())
		})

		It("sends operator messages only while connected", func() {
			sess, conn := connect()
			conn.Messages(transport.InboundMessage{ID: "m1", RemoteJID: contact, Conversation: "Oi"})
			Eventually(conn.Sent).Should(HaveLen(1))

			convs, err := w.reg.ListConversations(ctx, "owner-1", sess.ID)
			Expect(err).NotTo(HaveOccurred())

			msg, err := w.reg.SendDirect(ctx, "owner-1", sess.ID, convs[0].ID, "Já te respondo")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.FromSelf).To(BeTrue())
			Expect(conn.Sent()).To(ContainElement(transporttest.Sent{To: contact, Text: "Já te respondo"}))

			Expect(w.reg.Disconnect(ctx, "owner-1", sess.ID, false)).To(Succeed())
			_, err = w.reg.SendDirect(ctx, "owner-1", sess.ID, convs[0].ID, "Ainda aí?")
			Expect(err).To(MatchError(session.ErrSessionNotConnected))
		})
	})

	Describe("ownership", func() {
		It("hides sessions of other owners", func() {
			sess, err := w.reg.CreateSession(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())

			_, err = w.reg.GetSession(ctx, "owner-2", sess.ID)
			Expect(err).To(MatchError(session.ErrNotFound))
			Expect(w.reg.Disconnect(ctx, "owner-2", sess.ID, true)).To(MatchError(session.ErrNotFound))
			_, err = w.reg.ListConversations(ctx, "owner-2", sess.ID)
			Expect(err).To(MatchError(session.ErrNotFound))

			list, err := w.reg.ListSessions(ctx, "owner-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})
	})

	Describe("Disconnect", func() {
		It("wipes the session, its history and its credentials", func() {
			sess, conn := connect()
			conn.Credentials([]byte(`{"noiseKey":"k"}`))
			Eventually(func() []byte {
				data, _ := w.creds.Load(ctx, sess.ID)
				return data
			}).ShouldNot(BeNil())

			conn.Messages(transport.InboundMessage{ID: "m1", RemoteJID: contact, Conversation: "Oi"})
			Eventually(conn.Sent).Should(HaveLen(1))

			Expect(w.reg.Disconnect(ctx, "owner-1", sess.ID, true)).To(Succeed())

			Expect(conn.Closed()).To(BeTrue())
			Expect(w.reg.Supervisor().IsLive(sess.ID)).To(BeFalse())
			_, err := w.reg.GetSession(ctx, "owner-1", sess.ID)
			Expect(err).To(MatchError(session.ErrNotFound))
			data, err := w.creds.Load(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(BeNil())
			convs, err := st.ListConversations(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(BeEmpty())
		})

		It("keeps a disconnected session out of reconciliation", func() {
			sess, conn := connect()

			Expect(w.reg.Disconnect(ctx, "owner-1", sess.ID, false)).To(Succeed())
			Expect(conn.Closed()).To(BeTrue())
			Expect(w.status(sess.ID)).To(Equal(types.StatusDisconnected))

			list, err := w.reg.ListSessions(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Consistently(func() int { return w.tr.Opens(sess.ID) }, 100*time.Millisecond).Should(Equal(1))
		})
	})

	Describe("close causes", func() {
		It("stays disconnected after a logout", func() {
			sess, conn := connect()
			conn.Drop(transport.CloseCause{LoggedOut: true})

			Eventually(func() types.SessionStatus { return w.status(sess.ID) }).Should(Equal(types.StatusDisconnected))
			Consistently(func() int { return w.tr.Opens(sess.ID) }, 150*time.Millisecond).Should(Equal(1))
		})

		It("reconnects after a dropped connection", func() {
			sess, conn := connect()
			conn.Drop(transport.CloseCause{Code: 428, Reason: "connection closed"})

			Eventually(func() int { return w.tr.Opens(sess.ID) }).Should(Equal(2))
			Expect(w.status(sess.ID)).To(Equal(types.StatusPending))

			w.tr.Last(sess.ID).Open()
			Eventually(func() types.SessionStatus { return w.status(sess.ID) }).Should(Equal(types.StatusConnected))
		})
	})

	Describe("ListSessions", func() {
		It("never starts a second connection", func() {
			sess, err := w.reg.CreateSession(ctx, "owner-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(w.tr.WaitOpen(2 * time.Second)).NotTo(BeNil())

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := w.reg.ListSessions(ctx, "owner-1")
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(w.tr.Opens(sess.ID)).To(Equal(1))
		})

		It("restarts persisted sessions after a process restart", func() {
			sess, _ := connect()
			w.close()

			w = newWorld(dir, st)
			Expect(w.reg.Supervisor().IsLive(sess.ID)).To(BeFalse())

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					list, err := w.reg.ListSessions(ctx, "owner-1")
					Expect(err).NotTo(HaveOccurred())
					Expect(list).To(HaveLen(1))
				}()
			}
			wg.Wait()

			Expect(w.tr.WaitOpen(2 * time.Second)).NotTo(BeNil())
			Consistently(func() int { return w.tr.Opens(sess.ID) }, 100*time.Millisecond).Should(Equal(1))
		})
	})
})
