package xswapd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/xswap/btcledger"
	"github.com/lightninglabs/xswap/gate"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightningnetwork/lnd/lncfg"
)

var (
	xswapDirBase = btcutil.AppDataDir("xswap", false)

	defaultNetwork  = "regtest"
	defaultLogLevel = "info"

	defaultSimSwaps  = 1
	defaultSimAmount = btcutil.Amount(1_000_000)
	defaultSimTxFee  = btcutil.Amount(10_000)

	// ErrDeckSize is returned for a deck that cannot hold both first use
	// keys.
	ErrDeckSize = errors.New("deck size must be at least 2")
)

type simConfig struct {
	Swaps  int            `long:"swaps" description:"Number of swaps to run between the local bob and alice, 0 to only start the sweepers"`
	Amount btcutil.Amount `long:"amount" description:"Amount in satoshis bob pays per swap, alice pays twice as much"`
	TxFee  btcutil.Amount `long:"txfee" description:"Flat fee in satoshis of every swap transaction"`
	Exit   bool           `long:"exit" description:"Exit once the swaps are done instead of sweeping until shutdown"`
}

type confirmConfig struct {
	Bob   uint8 `long:"bob" description:"Confirmations required on bob's chain, 0 for the coin default"`
	Alice uint8 `long:"alice" description:"Confirmations required on alice's chain, 0 for the coin default"`
	Max   uint8 `long:"max" description:"Largest confirmation count accepted from the counterpart"`
}

// Config is the xswapd configuration.
type Config struct {
	ShowVersion bool   `long:"version" description:"Display version information and exit"`
	Network     string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"signet" choice:"mainnet" choice:"simnet"`

	DataDir    string `long:"datadir" description:"Directory for the swap databases."`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	DeckSize       int           `long:"decksize" description:"Number of ephemeral keys committed per swap"`
	OptionDuration int32         `long:"optionduration" description:"Seconds added to the put (negative) or call (positive) locktime"`
	StepTimeout    time.Duration `long:"steptimeout" description:"Maximum duration of a single protocol round"`
	MaxConfirmWait time.Duration `long:"maxconfirmwait" description:"Maximum duration of any confirmation wait"`
	SweepInterval  time.Duration `long:"sweepinterval" description:"Pause between two sweeps of the armed recovery transactions"`
	MaxPending     int           `long:"maxpending" description:"Maximum number of swaps in flight per party, 0 for no limit"`
	PollInterval   time.Duration `long:"pollinterval" description:"Pause between two chain lookups"`
	TrustPeer      bool          `long:"trustpeer" description:"Skip the confirmation wait for the counterpart's transactions"`

	Confirms *confirmConfig `group:"confirms" namespace:"confirms"`

	BtcRPC *btcledger.RPCConfig `group:"btcrpc" namespace:"btcrpc"`

	Sim *simConfig `group:"sim" namespace:"sim"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		Network:        defaultNetwork,
		DataDir:        xswapDirBase,
		DebugLevel:     defaultLogLevel,
		DeckSize:       swap.DefaultDeckSize,
		StepTimeout:    swap.DefaultStepTimeout,
		MaxConfirmWait: gate.DefaultMaxConfirmationWait,
		SweepInterval:  30 * time.Second,
		PollInterval:   gate.DefaultPollInterval,
		Confirms: &confirmConfig{
			Max: swap.DefaultMaxConfirms,
		},
		BtcRPC: &btcledger.RPCConfig{},
		Sim: &simConfig{
			Swaps:  defaultSimSwaps,
			Amount: defaultSimAmount,
			TxFee:  defaultSimTxFee,
		},
	}
}

// Validate cleans up paths in the config provided and validates it.
func Validate(cfg *Config) error {
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)

	// Namespace the data directory per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Network)

	if cfg.DeckSize < 2 {
		return fmt.Errorf("%w: %d", ErrDeckSize, cfg.DeckSize)
	}

	if cfg.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive")
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if cfg.MaxConfirmWait <= 0 {
		return fmt.Errorf("max confirm wait must be positive")
	}

	if cfg.Confirms.Max == 0 {
		return fmt.Errorf("max confirms must be positive")
	}

	if cfg.Confirms.Bob > cfg.Confirms.Max ||
		cfg.Confirms.Alice > cfg.Confirms.Max {

		return fmt.Errorf("required confirmations above max %d",
			cfg.Confirms.Max)
	}

	if cfg.Sim.Swaps < 0 {
		return fmt.Errorf("negative swap count")
	}

	if cfg.Sim.Amount <= 2*cfg.Sim.TxFee {
		return fmt.Errorf("swap amount %v does not cover the fees",
			cfg.Sim.Amount)
	}

	if _, err := swap.ChainParamsFromNetwork(cfg.Network); err != nil {
		return err
	}

	return os.MkdirAll(cfg.DataDir, os.ModePerm)
}
