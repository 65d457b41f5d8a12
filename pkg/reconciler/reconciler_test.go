package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

func TestReconciler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "reconciler Suite")
}

func newMockReconciler() (*Reconciler, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return New(sqlxDB, nil, nil, nil, log), mock, func() { db.Close() }
}

func newTestQueue() *queue.Queue {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return queue.FromClient(client, queue.Config{LeaseTTL: time.Minute, TTL: time.Hour}, log)
}

var _ = Describe("Reconciler", func() {
	It("creates a brand-new canonical organization with no match and writes version 1", func() {
		r, mock, closeDB := newMockReconciler()
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organization`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(`INSERT INTO organization`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO organization_source`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT number FROM phone`).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectQuery(`SELECT data FROM record_version`).
			WillReturnRows(sqlmock.NewRows([]string{"data"}))
		mock.ExpectExec(`INSERT INTO record_version`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := r.Reconcile(context.Background(), "scraper-1", types.HSDSPayload{
			Organization: []types.Organization{
				{ID: "o1", Name: "Food Bank", Description: "desc"},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("rolls back the transaction when a write fails", func() {
		r, mock, closeDB := newMockReconciler()
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organization`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(`INSERT INTO organization`).
			WillReturnError(sqlmock.ErrCancelled)
		mock.ExpectRollback()

		err := r.Reconcile(context.Background(), "scraper-1", types.HSDSPayload{
			Organization: []types.Organization{{ID: "o1", Name: "Food Bank"}},
		})
		Expect(err).To(HaveOccurred())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("processes an aligned-queue job end to end via ProcessOne", func() {
		r, mock, closeDB := newMockReconciler()
		defer closeDB()
		r.Queue = newTestQueue()
		r.WorkerID = "worker-reconciler-test"

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organization`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(`INSERT INTO organization`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO organization_source`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT number FROM phone`).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectQuery(`SELECT data FROM record_version`).
			WillReturnRows(sqlmock.NewRows([]string{"data"}))
		mock.ExpectExec(`INSERT INTO record_version`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		aligned := types.AlignedJob{
			Metadata: types.Metadata{ScraperID: "scraper-1"},
			HSDS: types.HSDSPayload{
				Organization: []types.Organization{{ID: "o1", Name: "Food Bank"}},
			},
		}
		payload, err := json.Marshal(aligned)
		Expect(err).NotTo(HaveOccurred())
		ctx := context.Background()
		_, err = r.Queue.Enqueue(ctx, types.QueueAligned, payload, nil)
		Expect(err).NotTo(HaveOccurred())

		processed, err := r.ProcessOne(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(processed).To(BeTrue())
		Expect(mock.ExpectationsWereMet()).To(Succeed())

		length, err := r.Queue.Length(ctx, types.QueueAligned)
		Expect(err).NotTo(HaveOccurred())
		Expect(length).To(BeZero())
	})

	It("does not write a new record_version when reconciling the same payload twice", func() {
		r, mock, closeDB := newMockReconciler()
		defer closeDB()

		org := types.Organization{ID: "o1", Name: "Food Bank", Description: "desc"}
		data, err := json.Marshal(org)
		Expect(err).NotTo(HaveOccurred())
		orgID := uuid.New()

		// First reconcile: no existing canonical organization, version 1 written.
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organization`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectExec(`INSERT INTO organization`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO organization_source`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT number FROM phone`).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectQuery(`SELECT data FROM record_version`).
			WillReturnRows(sqlmock.NewRows([]string{"data"}))
		mock.ExpectExec(`INSERT INTO record_version`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = r.Reconcile(context.Background(), "scraper-1", types.HSDSPayload{Organization: []types.Organization{org}})
		Expect(err).NotTo(HaveOccurred())

		// Second reconcile of the identical payload: the organization now
		// matches by name, and writeVersion sees unchanged data, so it must
		// not insert a second record_version row (version_num stays at 1).
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organization`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(orgID))
		mock.ExpectExec(`INSERT INTO organization_source`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT number FROM phone`).
			WillReturnRows(sqlmock.NewRows([]string{"number"}))
		mock.ExpectQuery(`SELECT data FROM record_version`).
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
		mock.ExpectCommit()

		err = r.Reconcile(context.Background(), "scraper-1", types.HSDSPayload{Organization: []types.Organization{org}})
		Expect(err).NotTo(HaveOccurred())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("reports false with no error when the queue is empty", func() {
		r, _, closeDB := newMockReconciler()
		defer closeDB()
		r.Queue = newTestQueue()

		processed, err := r.ProcessOne(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(processed).To(BeFalse())
	})
})

var _ = Describe("normalizeName", func() {
	It("case-folds and collapses whitespace", func() {
		Expect(normalizeName("  Food   Bank  ")).To(Equal("food bank"))
	})
})
