package vault

import (
	"math/big"
	"time"
)

// SeriesParams describes one option series as the vault exposes it.
type SeriesParams struct {
	SeriesID uint64
	Strike   *big.Int // 1e18 fixed point
	Expiry   time.Time
	IsCall   bool
}

// OptionVault is the single-chain option vault the settlement node
// collaborates with. The node never implements custody, minting, or
// exercise itself; it consumes this interface.
type OptionVault interface {
	CreateSeries(params SeriesParams) error
	Mint(seriesID uint64, amount *big.Int, minter string) error
	Exercise(seriesID uint64, amount *big.Int, holder string) error
	Settle(seriesID uint64, settlementPrice *big.Int) error

	// CalculateCollateral returns the collateral required to write the
	// given amount of the series.
	CalculateCollateral(seriesID uint64, amount *big.Int) (*big.Int, error)
}

// Recorder is an in-memory OptionVault that records every call. It backs
// tests and local runs without a live vault deployment.
type Recorder struct {
	Series    []SeriesParams
	Mints     int
	Exercises int
	Settled   map[uint64]*big.Int // seriesID -> settlement price
	SettleErr error               // returned by Settle when set
}

func NewRecorder() *Recorder {
	return &Recorder{Settled: make(map[uint64]*big.Int)}
}

func (r *Recorder) CreateSeries(params SeriesParams) error {
	r.Series = append(r.Series, params)
	return nil
}

func (r *Recorder) Mint(seriesID uint64, amount *big.Int, minter string) error {
	r.Mints++
	return nil
}

func (r *Recorder) Exercise(seriesID uint64, amount *big.Int, holder string) error {
	r.Exercises++
	return nil
}

func (r *Recorder) Settle(seriesID uint64, settlementPrice *big.Int) error {
	if r.SettleErr != nil {
		return r.SettleErr
	}
	r.Settled[seriesID] = new(big.Int).Set(settlementPrice)
	return nil
}

// CalculateCollateral requires collateral one-to-one with size.
func (r *Recorder) CalculateCollateral(seriesID uint64, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}
