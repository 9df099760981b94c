package leveldbstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/hashchain"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/jmerrifield20/agrotrace/internal/ledger/ledgertest"
	"github.com/stretchr/testify/suite"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

type LevelDBStoreSuite struct {
	suite.Suite
	stores []*Store
}

func (suite *LevelDBStoreSuite) newStore() *Store {
	s, err := Open(storage.NewMemStorage(), zap.NewNop())
	suite.Require().NoError(err)
	suite.stores = append(suite.stores, s)
	return s
}

func (suite *LevelDBStoreSuite) TearDownTest() {
	for _, s := range suite.stores {
		suite.Assert().NoError(s.Close())
	}
	suite.stores = nil
}

func (suite *LevelDBStoreSuite) TestContract() {
	ledgertest.Run(suite.T(), func(*testing.T) ledger.Store { return suite.newStore() })
}

func (suite *LevelDBStoreSuite) TestPersistsAcrossReopen() {
	ctx := context.Background()
	dir := suite.T().TempDir()

	s, err := OpenFile(dir, zap.NewNop())
	suite.Require().NoError(err)

	svc, err := ledger.NewService(s, ledger.Config{}, zap.NewNop())
	suite.Require().NoError(err)
	b, err := svc.RegisterBatch(ctx, ledger.NewBatch{Code: "REOPEN"})
	suite.Require().NoError(err)
	for i := 0; i < 3; i++ {
		_, err := svc.AppendEvent(ctx, b.ID, ledger.EventInput{
			EventType: ledger.EventShipment,
			Timestamp: time.Date(2025, 12, 1, i, 0, 0, 0, time.UTC),
			Actor:     "carrier",
			Location:  "Port of Valencia",
		})
		suite.Require().NoError(err)
	}
	suite.Require().NoError(s.Close())

	reopened, err := OpenFile(dir, zap.NewNop())
	suite.Require().NoError(err)
	suite.stores = append(suite.stores, reopened)

	got, chain, err := reopened.LoadChain(ctx, b.ID)
	suite.Require().NoError(err)
	suite.Require().Len(chain, 3)
	report := ledger.VerifyChain(got, chain)
	suite.Assert().True(report.Valid, "%+v", report.Errors)

	byCode, err := reopened.GetBatchByCode(ctx, "REOPEN")
	suite.Require().NoError(err)
	suite.Assert().Equal(b.ID, byCode.ID)
}

func (suite *LevelDBStoreSuite) TestSnapshotIgnoresLaterWrites() {
	ctx := context.Background()
	s := suite.newStore()

	b := &ledger.Batch{
		ID:            uuid.New(),
		Code:          "SNAP",
		ChainHeadHash: hashchain.GenesisHash,
		HashVersion:   hashchain.DefaultVersion,
		CreatedAt:     time.Now().UTC(),
	}
	suite.Require().NoError(s.CreateBatch(ctx, b))

	snap, err := s.db.GetSnapshot()
	suite.Require().NoError(err)
	defer snap.Release()

	suite.Require().NoError(s.SealBatch(ctx, b.ID, hashchain.GenesisHash, time.Now().UTC()))

	before, err := s.loadBatch(snap, b.ID)
	suite.Require().NoError(err)
	suite.Assert().False(before.Sealed)

	after, err := s.GetBatch(ctx, b.ID)
	suite.Require().NoError(err)
	suite.Assert().True(after.Sealed)
}

func (suite *LevelDBStoreSuite) TestOrderedTimeSortsNegativeInstants() {
	early := orderedTime(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC))
	epoch := orderedTime(time.Unix(0, 0))
	late := orderedTime(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	suite.Assert().Less(string(early), string(epoch))
	suite.Assert().Less(string(epoch), string(late))
}

func TestLevelDBStoreSuite(t *testing.T) {
	suite.Run(t, new(LevelDBStoreSuite))
}
