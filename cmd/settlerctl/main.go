package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/msalopek/intent_settler/custody"
	"github.com/msalopek/intent_settler/gas"
	"github.com/msalopek/intent_settler/nonce"
	"github.com/msalopek/intent_settler/order"
	"github.com/msalopek/intent_settler/settler"
	"github.com/msalopek/intent_settler/store"
)

var (
	logLevel     string
	logFormat    string
	configPath   string
	dbPath       string
	asInteger    bool
	bech32Prefix string
)

// orderFlags describe a basic order on the command line.
type orderFlags struct {
	sender             string
	recipient          string
	inputToken         string
	outputToken        string
	amountIn           string
	amountOut          string
	nonce              string
	originDomain       uint32
	destinationDomain  uint32
	destinationSettler string
	fillDeadline       uint32
}

func (f *orderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sender, "sender", "", "Order sender address")
	cmd.Flags().StringVar(&f.recipient, "recipient", "", "Recipient on the destination domain, defaults to the sender")
	cmd.Flags().StringVar(&f.inputToken, "input-token", "", "Token locked on the origin domain")
	cmd.Flags().StringVar(&f.outputToken, "output-token", "", "Token paid out on the destination domain")
	cmd.Flags().StringVar(&f.amountIn, "amount-in", "0", "Amount of the input token in base units")
	cmd.Flags().StringVar(&f.amountOut, "amount-out", "0", "Amount of the output token in base units")
	cmd.Flags().StringVar(&f.nonce, "nonce", "0", "Sender nonce")
	cmd.Flags().Uint32Var(&f.originDomain, "origin", 0, "Origin domain")
	cmd.Flags().Uint32Var(&f.destinationDomain, "destination", 0, "Destination domain")
	cmd.Flags().StringVar(&f.destinationSettler, "destination-settler", "", "Settler on the destination domain")
	cmd.Flags().Uint32Var(&f.fillDeadline, "fill-deadline", 0, "Fill deadline as unix seconds")
	cmd.MarkFlagRequired("sender")
	cmd.MarkFlagRequired("input-token")
	cmd.MarkFlagRequired("output-token")
	cmd.MarkFlagRequired("destination-settler")
}

func (f *orderFlags) orderData() (order.OrderData, error) {
	sender, err := order.HexToIdentity(f.sender)
	if err != nil {
		return order.OrderData{}, fmt.Errorf("sender: %w", err)
	}
	recipient := sender
	if f.recipient != "" {
		if recipient, err = order.HexToIdentity(f.recipient); err != nil {
			return order.OrderData{}, fmt.Errorf("recipient: %w", err)
		}
	}
	inputToken, err := order.HexToIdentity(f.inputToken)
	if err != nil {
		return order.OrderData{}, fmt.Errorf("input token: %w", err)
	}
	outputToken, err := order.HexToIdentity(f.outputToken)
	if err != nil {
		return order.OrderData{}, fmt.Errorf("output token: %w", err)
	}
	settlerID, err := order.HexToIdentity(f.destinationSettler)
	if err != nil {
		return order.OrderData{}, fmt.Errorf("destination settler: %w", err)
	}
	amountIn, err := parseAmount(f.amountIn)
	if err != nil {
		return order.OrderData{}, fmt.Errorf("amount in: %w", err)
	}
	amountOut, err := parseAmount(f.amountOut)
	if err != nil {
		return order.OrderData{}, fmt.Errorf("amount out: %w", err)
	}
	n, err := parseNonce(f.nonce)
	if err != nil {
		return order.OrderData{}, err
	}
	return order.OrderData{
		Sender:             sender,
		Recipient:          recipient,
		InputToken:         inputToken,
		OutputToken:        outputToken,
		AmountIn:           amountIn,
		AmountOut:          amountOut,
		SenderNonce:        n,
		OriginDomain:       f.originDomain,
		DestinationDomain:  f.destinationDomain,
		DestinationSettler: settlerID,
		FillDeadline:       f.fillDeadline,
		Data:               []byte{},
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "settlerctl",
		Short: "Encode, decode and inspect cross-domain orders",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Set the logging level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Set the log output format (json or text)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to a settler db file")
	rootCmd.PersistentFlags().BoolVar(&asInteger, "as-integer", false, "Print amounts in base units")

	rootCmd.AddCommand(orderCmd(), nonceCmd(), quoteCmd(), encodeSettleCmd(), encodeRefundCmd(), decodeCmd(), witnessCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Work with basic order data",
	}

	var flags orderFlags
	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode order data and print its order id",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.orderData()
			if err != nil {
				return err
			}
			id, encoded, err := order.OrderID(d)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"order_id":        id.Hex(),
				"order_data_type": order.BasicOrderDataType.Hex(),
				"order_data":      hexutil.Encode(encoded),
			})
		},
	}
	flags.register(encodeCmd)

	dataCmd := &cobra.Command{
		Use:   "decode [order data hex]",
		Short: "Decode order data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexutil.Decode(args[0])
			if err != nil {
				return err
			}
			d, err := order.DecodeOrderData(raw)
			if err != nil {
				return err
			}
			id, _, err := order.OrderID(d)
			if err != nil {
				return err
			}
			out := map[string]any{
				"order_id":            id.Hex(),
				"sender":              d.Sender.Hex(),
				"recipient":           d.Recipient.Hex(),
				"input_token":         d.InputToken.Hex(),
				"output_token":        d.OutputToken.Hex(),
				"amount_in":           formatAmount(d.AmountIn),
				"amount_out":          formatAmount(d.AmountOut),
				"sender_nonce":        d.SenderNonce.Dec(),
				"origin_domain":       d.OriginDomain,
				"destination_domain":  d.DestinationDomain,
				"destination_settler": d.DestinationSettler.Hex(),
				"fill_deadline":       d.FillDeadline,
			}
			if bech32Prefix != "" {
				recipient, err := d.Recipient.Bech32(bech32Prefix)
				if err != nil {
					return err
				}
				out["recipient_bech32"] = recipient
			}
			return printJSON(out)
		},
	}
	dataCmd.Flags().StringVar(&bech32Prefix, "bech32-prefix", "", "Also render the recipient with this bech32 prefix")

	statusCmd := &cobra.Command{
		Use:   "status [order id]",
		Short: "Show the stored record of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := order.HexToID(args[0])
			if err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			rec, err := db.Get(ctx, id)
			if err != nil {
				return err
			}
			history, err := db.History(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"order": rec, "history": history})
		},
	}

	cmd.AddCommand(encodeCmd, dataCmd, statusCmd)
	return cmd
}

func nonceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nonce [owner] [nonce]",
		Short: "Show the bitmap position of a nonce, and whether it is used when --db is set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("invalid owner address %q", args[0])
			}
			owner := common.HexToAddress(args[0])
			n, err := parseNonce(args[1])
			if err != nil {
				return err
			}
			wordPos, bitPos := nonce.BitmapPositions(n)
			out := map[string]any{
				"owner":    owner.Hex(),
				"nonce":    n.Dec(),
				"word_pos": wordPos.Dec(),
				"bit_pos":  bitPos,
			}
			if dbPath != "" {
				db, err := openDB()
				if err != nil {
					return err
				}
				defer db.Close()
				used, err := nonce.NewRegistry(db, &log.Logger).IsUsed(cmd.Context(), owner, n)
				if err != nil {
					return err
				}
				out["used"] = used
			}
			return printJSON(out)
		},
	}
}

func quoteCmd() *cobra.Command {
	var gasLimit uint64
	cmd := &cobra.Command{
		Use:   "quote [domain]",
		Short: "Quote the gas payment for one message to a configured domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var domain uint32
			if _, err := fmt.Sscan(args[0], &domain); err != nil {
				return fmt.Errorf("invalid domain %q", args[0])
			}
			cfg := settler.MustLoadConfig(configPath)

			paymaster := gas.NewPaymaster(&log.Logger)
			for _, o := range cfg.GasOracles {
				oracle, err := o.Oracle()
				if err != nil {
					return err
				}
				paymaster.SetOracle(o.Domain, oracle)
			}
			if gasLimit == 0 {
				for _, r := range cfg.Routers {
					if r.Domain == domain {
						gasLimit = r.Gas
					}
				}
			}
			quote, err := paymaster.Quote(domain, gasLimit)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"domain": domain, "gas": gasLimit, "quote": formatAmount(quote)})
		},
	}
	cmd.Flags().Uint64Var(&gasLimit, "gas", 0, "Gas budget, defaults to the router entry of the domain")
	return cmd
}

func encodeSettleCmd() *cobra.Command {
	var ids, fillerData []string
	cmd := &cobra.Command{
		Use:   "encode-settle",
		Short: "Encode a settle batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderIDs, err := parseIDs(ids)
			if err != nil {
				return err
			}
			data := make([][]byte, len(fillerData))
			for i, s := range fillerData {
				if data[i], err = hexutil.Decode(s); err != nil {
					return fmt.Errorf("filler data %d: %w", i, err)
				}
			}
			payload, err := order.EncodeSettle(orderIDs, data)
			if err != nil {
				return err
			}
			fmt.Println(hexutil.Encode(payload))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "Order ids")
	cmd.Flags().StringSliceVar(&fillerData, "filler-data", nil, "Filler data per order, 0x prefixed")
	cmd.MarkFlagRequired("ids")
	return cmd
}

func encodeRefundCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "encode-refund",
		Short: "Encode a refund batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderIDs, err := parseIDs(ids)
			if err != nil {
				return err
			}
			fmt.Println(hexutil.Encode(order.EncodeRefund(orderIDs)))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "Order ids")
	cmd.MarkFlagRequired("ids")
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [payload hex]",
		Short: "Decode a settle or refund batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := hexutil.Decode(args[0])
			if err != nil {
				return err
			}
			msg, err := order.DecodeMessage(payload)
			if err != nil {
				return err
			}
			ids := make([]string, len(msg.OrderIDs))
			for i, id := range msg.OrderIDs {
				ids[i] = id.Hex()
			}
			out := map[string]any{"kind": order.KindName(msg.Kind), "order_ids": ids}
			if msg.Kind == order.MessageSettle {
				data := make([]string, len(msg.FillerData))
				for i, d := range msg.FillerData {
					data[i] = hexutil.Encode(d)
				}
				out["filler_data"] = data
			}
			return printJSON(out)
		},
	}
}

func witnessCmd() *cobra.Command {
	var (
		flags         orderFlags
		originSettler string
		permit2       string
		openDeadline  uint32
	)
	cmd := &cobra.Command{
		Use:   "witness",
		Short: "Resolve a gasless order and print the hashes its user signs",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.orderData()
			if err != nil {
				return err
			}
			user, ok := d.Sender.Address()
			if !ok {
				return errors.New("gasless orders need an EVM sender")
			}
			if !common.IsHexAddress(originSettler) || !common.IsHexAddress(permit2) {
				return errors.New("origin settler and permit2 must be addresses")
			}
			encoded, err := order.EncodeOrderData(d)
			if err != nil {
				return err
			}
			o := order.GaslessOrder{
				OriginSettler: common.HexToAddress(originSettler),
				User:          user,
				Nonce:         d.SenderNonce,
				OriginChainID: uint64(d.OriginDomain),
				OpenDeadline:  openDeadline,
				FillDeadline:  d.FillDeadline,
				OrderDataType: order.BasicOrderDataType,
				OrderData:     encoded,
			}
			res, err := order.BasicResolver{LocalDomain: d.OriginDomain}.ResolveGasless(o)
			if err != nil {
				return err
			}
			permitted, err := custody.PermissionsFor(res.Order.MinReceived)
			if err != nil {
				return err
			}
			witness := order.WitnessHash(res.Order)
			ledger := custody.NewLedger(uint64(d.OriginDomain), common.HexToAddress(permit2), &log.Logger)
			digest, err := ledger.PermitDigest(custody.WitnessTransfer{
				Permitted:         permitted,
				Owner:             user,
				Spender:           o.OriginSettler,
				Nonce:             res.Nonce,
				Deadline:          uint64(openDeadline),
				Witness:           witness,
				WitnessTypeString: order.WitnessTypeString,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"order_id":            res.ID.Hex(),
				"order_data":          hexutil.Encode(encoded),
				"witness":             witness.Hex(),
				"witness_type_string": order.WitnessTypeString,
				"permit_digest":       digest.Hex(),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&originSettler, "origin-settler", "", "Settler that opens the order")
	cmd.Flags().StringVar(&permit2, "permit2", "", "Permit verifying contract")
	cmd.Flags().Uint32Var(&openDeadline, "open-deadline", 0, "Open deadline as unix seconds")
	cmd.MarkFlagRequired("origin-settler")
	cmd.MarkFlagRequired("permit2")
	return cmd
}

func setupLogging() {
	if logFormat == "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		output.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		output.FormatMessage = func(i interface{}) string {
			return fmt.Sprintf("message: %s", i)
		}
		output.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		}
		output.FormatFieldValue = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("%s", i))
		}
		log.Logger = log.Output(output)
	}

	switch strings.TrimSpace(strings.ToUpper(logLevel)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "INFO":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func openDB() (*store.SQLite, error) {
	if dbPath == "" {
		return nil, errors.New("--db is required")
	}
	return store.OpenSQLite(dbPath, &log.Logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDs(raw []string) ([]order.ID, error) {
	ids := make([]order.ID, len(raw))
	for i, s := range raw {
		id, err := order.HexToID(s)
		if err != nil {
			return nil, fmt.Errorf("order id %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func parseNonce(s string) (*uint256.Int, error) {
	if strings.HasPrefix(s, "0x") {
		return uint256.FromHex(s)
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce %q: %w", s, err)
	}
	return n, nil
}

// parseAmount accepts whole numbers, also in exponent form.
func parseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if !d.IsInteger() || d.IsNegative() {
		return nil, fmt.Errorf("%s is not a non-negative whole number", s)
	}
	return d.BigInt(), nil
}

func formatAmount(v *big.Int) string {
	if asInteger {
		return v.String()
	}
	return decimal.NewFromBigInt(v, -18).String()
}
