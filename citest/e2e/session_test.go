package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/chatbridge/citest/testutil"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/internal/transport/transporttest"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

var _ = Describe("Session Workflows", func() {
	var client *testutil.TestClient

	BeforeEach(func() {
		client = newOwner()
	})

	Describe("Basic Session Lifecycle", func() {
		It("should create a pending session and open one connection", func() {
			sess, err := client.CreateSession(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ID).NotTo(BeEmpty())
			Expect(sess.OwnerID).To(Equal(client.Owner))
			Expect(sess.Status).To(Equal(types.StatusPending))

			Expect(testServer.Transport.Opens(sess.ID)).To(Equal(1))
		})

		It("should list only the owner's sessions", func() {
			mine, err := client.CreateSession(ctx)
			Expect(err).NotTo(HaveOccurred())
			other, err := newOwner().CreateSession(ctx)
			Expect(err).NotTo(HaveOccurred())

			sessions, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions).To(HaveLen(1))
			Expect(sessions[0].ID).To(Equal(mine.ID))

			resp, err := client.Get(ctx, "/sessions/"+other.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should require an owner", func() {
			resp, err := testServer.Client("").Get(ctx, "/sessions")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.ErrorCode()).To(Equal("UNAUTHENTICATED"))
		})

		It("should forget a wiped session", func() {
			sess, err := client.CreateSession(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(client.DeleteSession(ctx, sess.ID, true)).To(Succeed())

			_, err = client.GetSession(ctx, sess.ID)
			Expect(err).To(HaveOccurred())
			Eventually(func() int { return testServer.Transport.Live(sess.ID) }).Should(Equal(0))
		})
	})

	Describe("Pairing Events", func() {
		var (
			sess *types.Session
			sse  *testutil.SSEClient
			conn *transporttest.Conn
		)

		BeforeEach(func() {
			var err error
			sess, err = client.CreateSession(ctx)
			Expect(err).NotTo(HaveOccurred())
			conn = testServer.Transport.Last(sess.ID)
			Expect(conn).NotTo(BeNil())

			sse = testServer.SSEClient(client.Owner)
			Expect(sse.Connect(ctx, sess.ID)).To(Succeed())
			_, err = sse.WaitForEvent("connected", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			sse.Close()
		})

		It("should stream the pairing payload and the connected status", func() {
			conn.QR("2@pairing-payload")

			evt, err := sse.WaitForEvent(string(event.QR), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			e, err := evt.Event()
			Expect(err).NotTo(HaveOccurred())
			Expect(e.SessionID).To(Equal(sess.ID))
			Expect(e.Data).To(Equal(event.QRData{Payload: "2@pairing-payload"}))

			got, err := client.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(types.StatusQR))
			Expect(got.QRPayload).To(HaveValue(Equal("2@pairing-payload")))

			conn.Open()
			_, err = sse.WaitForStatus(string(types.StatusConnected), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			got, err = client.GetSession(ctx, sess.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(types.StatusConnected))
			Expect(got.QRPayload).To(BeNil())
		})

		It("should reconnect after a transient drop", func() {
			conn.Open()
			_, err := sse.WaitForStatus(string(types.StatusConnected), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			conn.Drop(transport.CloseCause{Code: 515, Reason: "restart required"})
			_, err = sse.WaitForStatus(string(types.StatusPending), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int { return testServer.Transport.Opens(sess.ID) }, 5*time.Second).Should(Equal(2))
			testServer.Transport.Last(sess.ID).Open()

			_, err = sse.WaitForStatus(string(types.StatusConnected), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should stop for good when logged out", func() {
			conn.Drop(transport.CloseCause{LoggedOut: true, Code: 401})
			_, err := sse.WaitForStatus(string(types.StatusDisconnected), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Consistently(func() int { return testServer.Transport.Opens(sess.ID) }, 300*time.Millisecond).Should(Equal(1))
		})
	})
})
