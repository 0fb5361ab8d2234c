package cursor_test

import (
	"context"
	"errors"
	"time"

	cursorpkg "github.com/dogmatiq/driverkit/cursor"
	"github.com/dogmatiq/driverkit/errclass"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/topology/topologytest"
	"github.com/dogmatiq/driverkit/wire"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeInit is a scripted cursor.Initializer.
type fakeInit struct {
	result cursorpkg.InitResult
	err    error
	calls  int
}

func (f *fakeInit) Execute(
	ctx context.Context,
	topo topology.Topology,
	rp topology.ReadPreference,
	session *topology.Session,
) (cursorpkg.InitResult, error) {
	f.calls++
	return f.result, f.err
}

var ns = wire.Namespace{DB: "test", Coll: "widgets"}

func doc(v string) wire.Document {
	return wire.Document{"v": v}
}

var _ = Describe("type Cursor", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		srv    *topologytest.Server
		topo   *topologytest.Topology
		init   *fakeInit
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
		DeferCleanup(cancel)

		srv = &topologytest.Server{
			Desc: topology.ServerDescription{WireVersion: 13},
		}
		topo = &topologytest.Topology{Server: srv, Connected: true}

		init = &fakeInit{
			result: cursorpkg.InitResult{
				Server: srv,
				Cursor: wire.CursorDescriptor{
					ID:         42,
					FirstBatch: []wire.Document{doc("a"), doc("b")},
				},
			},
		}
	})

	Describe("func Next()", func() {
		It("yields the documents from the initial batch before fetching more", func() {
			c := cursorpkg.New(topo, ns, init)

			d, ok, err := c.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(d).To(Equal(doc("a")))

			d, ok, err = c.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(d).To(Equal(doc("b")))

			Expect(init.calls).To(Equal(1))
		})

		It("issues a getMore once the initial batch is exhausted", func() {
			srv.GetMores = []topologytest.GetMoreStep{
				{
					Result: wire.GetMoreResult{
						Cursor: wire.CursorDescriptor{
							ID:        0,
							NextBatch: []wire.Document{doc("c")},
						},
					},
				},
			}

			c := cursorpkg.New(topo, ns, init)
			_, _, _ = c.Next(ctx)
			_, _, _ = c.Next(ctx)

			d, ok, err := c.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(d).To(Equal(doc("c")))

			d, ok, err = c.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(d).To(BeNil())
		})

		It("applies the configured transform to each document", func() {
			c := cursorpkg.New(
				topo, ns, init,
				cursorpkg.WithTransform(func(d wire.Document) (wire.Document, error) {
					return wire.Document{"transformed": d["v"]}, nil
				}),
			)

			d, _, err := c.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(d).To(Equal(wire.Document{"transformed": "a"}))
		})

		It("returns ok == false, err == nil once the cursor is exhausted", func() {
			init.result.Cursor.ID = 0
			c := cursorpkg.New(topo, ns, init)

			_, _, _ = c.Next(ctx)
			_, _, _ = c.Next(ctx)

			d, ok, err := c.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(d).To(BeNil())
		})

		It("returns ErrClosed once the cursor has been closed", func() {
			c := cursorpkg.New(topo, ns, init)
			Expect(c.Close(ctx)).To(Succeed())

			_, ok, err := c.Next(ctx)
			Expect(err).To(Equal(cursorpkg.ErrClosed))
			Expect(ok).To(BeFalse())
		})

		It("propagates an initializer error", func() {
			init.err = errors.New("<init error>")
			init.result = cursorpkg.InitResult{}
			c := cursorpkg.New(topo, ns, init)

			_, ok, err := c.Next(ctx)
			Expect(err).To(MatchError("<init error>"))
			Expect(ok).To(BeFalse())
		})

		It("propagates a getMore error and kills the cursor", func() {
			srv.GetMores = []topologytest.GetMoreStep{
				{Err: errclass.NewError(errclass.Network, "<transport failure>", nil)},
			}

			c := cursorpkg.New(topo, ns, init)
			_, _, _ = c.Next(ctx)
			_, _, _ = c.Next(ctx)

			_, ok, err := c.Next(ctx)
			Expect(err).To(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(c.Closed()).To(BeTrue())
			Expect(srv.Killed).To(Equal([]wire.CursorID{42}))
		})
	})

	Describe("func TryNext()", func() {
		It("returns ok == false without blocking on an empty getMore batch", func() {
			init.result.Cursor.ID = 7
			srv.GetMores = []topologytest.GetMoreStep{
				{
					Result: wire.GetMoreResult{
						Cursor: wire.CursorDescriptor{ID: 7},
					},
				},
			}

			c := cursorpkg.New(topo, ns, init)
			_, _, _ = c.Next(ctx)
			_, _, _ = c.Next(ctx)

			d, ok, err := c.TryNext(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(d).To(BeNil())
		})
	})

	Describe("func ToArray()", func() {
		It("drains every document", func() {
			srv.GetMores = []topologytest.GetMoreStep{
				{
					Result: wire.GetMoreResult{
						Cursor: wire.CursorDescriptor{ID: 0},
					},
				},
			}

			c := cursorpkg.New(topo, ns, init)
			docs, err := c.ToArray(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(docs).To(Equal([]wire.Document{doc("a"), doc("b")}))
		})
	})

	Describe("mutators", func() {
		It("rejects SetBatchSize after the cursor has been used", func() {
			c := cursorpkg.New(topo, ns, init)
			_, _, _ = c.Next(ctx)

			Expect(c.SetBatchSize(10)).To(Equal(cursorpkg.ErrCursorInUse))
		})

		It("rejects SetBatchSize on a tailable cursor", func() {
			c := cursorpkg.New(topo, ns, init, cursorpkg.WithTailable(true))
			Expect(c.SetBatchSize(10)).To(Equal(cursorpkg.ErrTailableMisuse))
		})

		It("accepts mutators before first use", func() {
			c := cursorpkg.New(topo, ns, init)
			Expect(c.AddCursorFlag("noCursorTimeout")).To(Succeed())
			Expect(c.SetMaxTime(5 * time.Second)).To(Succeed())
		})
	})

	Describe("func Close()", func() {
		It("is idempotent", func() {
			c := cursorpkg.New(topo, ns, init)
			_, _, _ = c.Next(ctx)

			Expect(c.Close(ctx)).To(Succeed())
			Expect(c.Close(ctx)).To(Succeed())
			Expect(srv.Killed).To(Equal([]wire.CursorID{42}))
		})

		It("does not kill a cursor whose id is already zero", func() {
			init.result.Cursor.ID = 0
			c := cursorpkg.New(topo, ns, init)
			_, _, _ = c.Next(ctx)
			_, _, _ = c.Next(ctx)

			Expect(c.Close(ctx)).To(Succeed())
			Expect(srv.Killed).To(BeEmpty())
		})

		It("invokes OnClose exactly once", func() {
			c := cursorpkg.New(topo, ns, init)
			closed := 0
			c.SetHooks(cursorpkg.Hooks{OnClose: func() { closed++ }})

			_, _, _ = c.Next(ctx)
			Expect(c.Close(ctx)).To(Succeed())
			Expect(c.Close(ctx)).To(Succeed())
			Expect(closed).To(Equal(1))
		})
	})

	Describe("hooks", func() {
		It("reports bufferEmpty accurately via OnDocument", func() {
			var states []bool
			c := cursorpkg.New(topo, ns, init)
			c.SetHooks(cursorpkg.Hooks{
				OnDocument: func(_ wire.Document, bufferEmpty bool) {
					states = append(states, bufferEmpty)
				},
			})

			_, _, _ = c.Next(ctx)
			_, _, _ = c.Next(ctx)

			Expect(states).To(Equal([]bool{false, true}))
		})
	})
})

var _ = Describe("type Stream", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		srv    *topologytest.Server
		topo   *topologytest.Topology
		init   *fakeInit
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
		DeferCleanup(cancel)

		srv = &topologytest.Server{Desc: topology.ServerDescription{WireVersion: 13}}
		topo = &topologytest.Topology{Server: srv, Connected: true}
		init = &fakeInit{
			result: cursorpkg.InitResult{
				Server: srv,
				Cursor: wire.CursorDescriptor{
					ID:         0,
					FirstBatch: []wire.Document{doc("a"), doc("b")},
				},
			},
		}
	})

	It("publishes every document then closes the channels", func() {
		c := cursorpkg.New(topo, ns, init)
		s := cursorpkg.NewStream(ctx, c)

		var got []wire.Document
		for d := range s.Values {
			got = append(got, d)
		}
		Expect(got).To(Equal([]wire.Document{doc("a"), doc("b")}))

		_, open := <-s.Errs
		Expect(open).To(BeFalse())
	})

	It("propagates a non-legacy error on Errs and stops", func() {
		init.err = errclass.NewError(errclass.Server, "<fatal>", nil)
		init.result = cursorpkg.InitResult{}

		c := cursorpkg.New(topo, ns, init)
		s := cursorpkg.NewStream(ctx, c)

		_, open := <-s.Values
		Expect(open).To(BeFalse())

		err, open := <-s.Errs
		Expect(open).To(BeTrue())
		Expect(err).To(HaveOccurred())
	})
})
