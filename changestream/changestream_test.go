package changestream_test

import (
	"context"
	"time"

	. "github.com/dogmatiq/driverkit/changestream"
	"github.com/dogmatiq/driverkit/errclass"
	"github.com/dogmatiq/driverkit/topology"
	"github.com/dogmatiq/driverkit/topology/topologytest"
	"github.com/dogmatiq/driverkit/wire"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var scope = Collection(wire.Namespace{DB: "db", Coll: "c"})

func token(v string) wire.ResumeToken {
	return wire.ResumeToken{"_data": v}
}

func changeDoc(id wire.ResumeToken, opType OperationType, extra wire.Document) wire.Document {
	d := wire.Document{
		"_id":           wire.Document(id),
		"operationType": string(opType),
		"ns":            wire.Document{"db": "db", "coll": "c"},
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

var _ = Describe("type Engine", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		srv    *topologytest.Server
		topo   *topologytest.Topology
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		DeferCleanup(cancel)

		srv = &topologytest.Server{Desc: topology.ServerDescription{WireVersion: 13}}
		topo = &topologytest.Topology{Server: srv, Connected: true}
	})

	Describe("func Next()", func() {
		It("emits a single change event from the first getMore batch (S1)", func() {
			ts1 := wire.Timestamp{T: 1, I: 1}
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{
					Cursor:           wire.CursorDescriptor{ID: 42, FirstBatch: []wire.Document{}},
					OperationTime:    ts1,
					HasOperationTime: true,
				}},
			}
			tk1 := token("tk1")
			srv.GetMores = []topologytest.GetMoreStep{
				{Result: wire.GetMoreResult{
					Cursor: wire.CursorDescriptor{
						ID:        42,
						NextBatch: []wire.Document{changeDoc(tk1, Insert, wire.Document{"fullDocument": wire.Document{"x": 1}})},
					},
				}},
			}

			e := New(topo, scope, nil)
			ev, err := e.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ev.OperationType).To(Equal(Insert))
			Expect(ev.ID.Equal(tk1)).To(BeTrue())

			rt, ok := e.ResumeToken()
			Expect(ok).To(BeTrue())
			Expect(rt.Equal(tk1)).To(BeTrue())
		})

		It("promotes the post-batch resume token on an empty batch (S2)", func() {
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{Cursor: wire.CursorDescriptor{ID: 42, FirstBatch: []wire.Document{}}}},
			}
			tpb := token("tpb")
			srv.GetMores = []topologytest.GetMoreStep{
				{Result: wire.GetMoreResult{
					Cursor: wire.CursorDescriptor{
						ID:                   42,
						NextBatch:            []wire.Document{},
						PostBatchResumeToken: tpb,
						HasPostBatchToken:    true,
					},
				}},
			}

			e := New(topo, scope, nil)
			ev, ok, err := e.TryNext(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(ev).To(Equal(Event{}))

			rt, hasToken := e.ResumeToken()
			Expect(hasToken).To(BeTrue())
			Expect(rt.Equal(tpb)).To(BeTrue())
		})

		It("resumes silently after a resumable network error (S3)", func() {
			tk1 := token("tk1")
			tk2 := token("tk2")

			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{
					Cursor:           wire.CursorDescriptor{ID: 42, FirstBatch: []wire.Document{}},
					OperationTime:    wire.Timestamp{T: 1, I: 1},
					HasOperationTime: true,
				}},
				{Result: wire.AggregateResult{
					Cursor: wire.CursorDescriptor{ID: 43, FirstBatch: []wire.Document{}},
				}},
			}
			srv.GetMores = []topologytest.GetMoreStep{
				{Result: wire.GetMoreResult{
					Cursor: wire.CursorDescriptor{ID: 42, NextBatch: []wire.Document{changeDoc(tk1, Insert, nil)}},
				}},
				{Err: errclass.NewError(errclass.Network, "<transport failure>", nil)},
				{Result: wire.GetMoreResult{
					Cursor: wire.CursorDescriptor{
						ID: 43,
						NextBatch: []wire.Document{changeDoc(tk2, Update, wire.Document{
							"documentKey": wire.Document{"_id": 5},
							"updateDescription": wire.Document{
								"updatedFields": wire.Document{"a": 2},
								"removedFields": []string{},
							},
						})},
					},
				}},
			}

			var resumeTokens []wire.ResumeToken
			e := New(topo, scope, nil)
			e.SetObserver(Observer{
				OnResumeTokenChanged: func(t wire.ResumeToken) { resumeTokens = append(resumeTokens, t) },
			})

			ev1, err := e.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ev1.ID.Equal(tk1)).To(BeTrue())

			ev2, err := e.Next(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(ev2.OperationType).To(Equal(Update))
			Expect(ev2.ID.Equal(tk2)).To(BeTrue())
			Expect(ev2.DocumentKey).To(Equal(wire.Document{"_id": 5}))
			Expect(ev2.UpdateDescription).NotTo(BeNil())
			Expect(ev2.UpdateDescription.UpdatedFields).To(Equal(wire.Document{"a": 2}))

			rt, ok := e.ResumeToken()
			Expect(ok).To(BeTrue())
			Expect(rt.Equal(tk2)).To(BeTrue())

			// Exactly one firing per delivered document: the resume loop's
			// HasNext probe of the freshly built cursor peeks and pushes the
			// same document back into the buffer, and must not count as a
			// second delivery of tk2.
			Expect(resumeTokens).To(HaveLen(2))
			Expect(resumeTokens[0].Equal(tk1)).To(BeTrue())
			Expect(resumeTokens[1].Equal(tk2)).To(BeTrue())

			Expect(e.Closed()).To(BeFalse())
			Expect(srv.Killed).To(Equal([]wire.CursorID{42}))
		})

		It("surfaces a non-resumable server error and closes (S4)", func() {
			authErr := errclass.NewError(errclass.Server, "<auth failed>", nil).WithCode(18)
			srv.Commands = []topologytest.CommandStep{
				{Err: authErr},
			}

			e := New(topo, scope, nil)
			_, err := e.Next(ctx)
			Expect(err).To(Equal(authErr))
			Expect(e.Closed()).To(BeTrue())
		})

		It("closes with NoResumeTokenError when a change document has no _id (S5)", func() {
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{Cursor: wire.CursorDescriptor{ID: 42, FirstBatch: []wire.Document{}}}},
			}
			srv.GetMores = []topologytest.GetMoreStep{
				{Result: wire.GetMoreResult{
					Cursor: wire.CursorDescriptor{
						ID:        42,
						NextBatch: []wire.Document{{"operationType": "insert"}},
					},
				}},
			}

			e := New(topo, scope, nil)
			_, err := e.Next(ctx)
			Expect(err).To(Equal(ErrNoResumeToken))
			Expect(e.Closed()).To(BeTrue())
		})

		It("never sets more than one of resumeAfter/startAfter/startAtOperationTime (S3 pipeline invariant)", func() {
			var pipelines [][]wire.Document
			srv.CommandFunc = func(ctx context.Context, cmd wire.AggregateCommand, opts topology.CommandOptions) (wire.AggregateResult, error) {
				pipelines = append(pipelines, cmd.Pipeline)
				switch len(pipelines) {
				case 1:
					return wire.AggregateResult{
						Cursor:           wire.CursorDescriptor{ID: 42, FirstBatch: []wire.Document{}},
						OperationTime:    wire.Timestamp{T: 1, I: 1},
						HasOperationTime: true,
					}, nil
				default:
					return wire.AggregateResult{Cursor: wire.CursorDescriptor{ID: 43, FirstBatch: []wire.Document{}}}, nil
				}
			}
			tk1 := token("tk1")
			srv.GetMores = []topologytest.GetMoreStep{
				{Result: wire.GetMoreResult{
					Cursor: wire.CursorDescriptor{ID: 42, NextBatch: []wire.Document{changeDoc(tk1, Insert, nil)}},
				}},
				{Err: errclass.NewError(errclass.Network, "<transport failure>", nil)},
				{Result: wire.GetMoreResult{Cursor: wire.CursorDescriptor{ID: 0}}},
			}

			e := New(topo, scope, nil)
			_, _ = e.Next(ctx)
			_, _, _ = e.TryNext(ctx)

			Expect(pipelines).To(HaveLen(2))
			for _, p := range pipelines {
				stage := p[0]["$changeStream"].(wire.Document)
				count := 0
				for _, k := range []string{"resumeAfter", "startAfter", "startAtOperationTime"} {
					if _, ok := stage[k]; ok {
						count++
					}
				}
				Expect(count).To(BeNumerically("<=", 1))
			}

			secondStage := pipelines[1][0]["$changeStream"].(wire.Document)
			Expect(secondStage).To(HaveKey("resumeAfter"))
		})
	})

	Describe("mode guard (S6)", func() {
		It("fails Stream after the engine has been used as an iterator", func() {
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{Cursor: wire.CursorDescriptor{ID: 0, FirstBatch: []wire.Document{}}}},
			}

			e := New(topo, scope, nil)
			_, _ = e.Next(ctx)

			_, _, err := e.Stream(ctx)
			Expect(err).To(Equal(ErrModeConflict))
		})

		It("fails Next after the engine has been used as an emitter", func() {
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{Cursor: wire.CursorDescriptor{ID: 0, FirstBatch: []wire.Document{}}}},
			}

			e := New(topo, scope, nil)
			_, _, err := e.Stream(ctx)
			Expect(err).ShouldNot(HaveOccurred())

			_, err = e.Next(ctx)
			Expect(err).To(Equal(ErrModeConflict))
		})
	})

	Describe("func Stream()", func() {
		It("delivers change events in order then closes both channels", func() {
			tk1 := token("tk1")
			tk2 := token("tk2")
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{Cursor: wire.CursorDescriptor{
					ID: 42,
					FirstBatch: []wire.Document{
						changeDoc(tk1, Insert, nil),
						changeDoc(tk2, Insert, nil),
					},
				}}},
			}
			srv.GetMores = []topologytest.GetMoreStep{
				{Result: wire.GetMoreResult{Cursor: wire.CursorDescriptor{ID: 0}}},
			}

			var closed, ended int
			e := New(topo, scope, nil)
			e.SetObserver(Observer{
				OnEnd:   func() { ended++ },
				OnClose: func() { closed++ },
			})

			changes, errs, err := e.Stream(ctx)
			Expect(err).ShouldNot(HaveOccurred())

			var got []wire.ResumeToken
			for ev := range changes {
				got = append(got, ev.ID)
			}
			Expect(got).To(HaveLen(2))
			Expect(got[0].Equal(tk1)).To(BeTrue())
			Expect(got[1].Equal(tk2)).To(BeTrue())

			_, open := <-errs
			Expect(open).To(BeFalse())

			Eventually(func() int { return ended }).Should(Equal(1))
			Eventually(func() int { return closed }).Should(Equal(1))
		})
	})

	Describe("func Close()", func() {
		It("is idempotent and invokes OnClose exactly once", func() {
			srv.Commands = []topologytest.CommandStep{
				{Result: wire.AggregateResult{Cursor: wire.CursorDescriptor{ID: 0, FirstBatch: []wire.Document{}}}},
			}

			var closed int
			e := New(topo, scope, nil)
			e.SetObserver(Observer{OnClose: func() { closed++ }})

			Expect(e.Close(ctx)).To(Succeed())
			Expect(e.Close(ctx)).To(Succeed())
			Expect(closed).To(Equal(1))
			Expect(e.Closed()).To(BeTrue())
		})

		It("fails a subsequent Next with ErrClosed once closed", func() {
			e := New(topo, scope, nil)
			Expect(e.Close(ctx)).To(Succeed())

			_, err := e.Next(ctx)
			Expect(err).To(Equal(ErrClosed))
		})
	})
})
