package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"

	"giftledger/crypto"
	"giftledger/native/giftcard"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("GIFT_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "register":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a display name and a key file.")
			printUsage()
			return
		}
		register(args[1], args[2])
	case "set-offers":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a key file and at least one amount.")
			printUsage()
			return
		}
		setOffers(args[1], args[2:])
	case "offers":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a vendor EIN.")
			return
		}
		offers(args[1])
	case "purchase":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a key file, an amount and a vendor EIN.")
			printUsage()
			return
		}
		purchase(args[1], args[2], args[3])
	case "sign-transfer":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a key file, a card id and the new owner EIN.")
			printUsage()
			return
		}
		signTransfer(args[1], args[2], args[3])
	case "transfer":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a card id, the new owner EIN and a signature.")
			printUsage()
			return
		}
		transfer(args[1], args[2], args[3])
	case "sign-redeem":
		if len(args) < 5 {
			fmt.Println("Error: Please provide a key file, a card id, an amount and a timestamp.")
			printUsage()
			return
		}
		signRedeem(args[1], args[2], args[3], args[4])
	case "redeem":
		if len(args) < 5 {
			fmt.Println("Error: Please provide a card id, an amount, a timestamp and a signature.")
			printUsage()
			return
		}
		redeem(args[1], args[2], args[3], args[4])
	case "vendor-redeem":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a card id and an amount.")
			printUsage()
			return
		}
		vendorRedeem(args[1], args[2])
	case "redeem-and-call":
		if len(args) < 5 {
			fmt.Println("Error: Please provide a card id, an amount, a timestamp and a signature.")
			printUsage()
			return
		}
		memo := ""
		if len(args) > 5 {
			memo = args[5]
		}
		redeemAndCall(args[1], args[2], args[3], args[4], memo)
	case "refund":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a card id and a key file.")
			printUsage()
			return
		}
		refund(args[1], args[2])
	case "card":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a card id.")
			return
		}
		card(args[1])
	case "details":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a card id.")
			return
		}
		details(args[1])
	case "my-cards":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an owner EIN.")
			return
		}
		myCards(args[1])
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			return
		}
		balance(args[1])
	case "deposit":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an EIN.")
			return
		}
		deposit(args[1])
	case "events":
		events()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if url := strings.TrimSpace(os.Getenv("RPC_URL")); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := args[:0]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rpc requires a URL")
			}
			i++
			rpcEndpoint = args[i]
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	fileName := "wallet.key"
	if err := os.WriteFile(fileName, key.Bytes(), 0o600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", fileName, err))
	}
	fmt.Printf("Generated new key and saved to %s\n", fileName)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Signing commands will refuse to run without it.")
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key file %s not found. run ./gift-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read private key file %s: %w", path, err)
	}
	if len(keyBytes) == 0 {
		return nil, fmt.Errorf("private key file %s is empty. run ./gift-cli generate-key first", path)
	}
	privKey, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key in %s: %w", path, err)
	}
	return privKey, nil
}

func parseUint(raw, what string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return value, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires GIFT_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

// vaultAddress fetches the custody address permission hashes are bound to.
func vaultAddress() (crypto.Address, error) {
	result, err := callRPC("giftcard_vault", nil, false)
	if err != nil {
		return crypto.Address{}, err
	}
	var out struct {
		Vault string `json:"vault"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return crypto.Address{}, err
	}
	return crypto.DecodeAddress(out.Vault)
}

func register(displayName, keyFile string) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("identity_register", map[string]interface{}{
		"displayName": displayName,
		"addresses":   []string{key.PubKey().Address().String()},
	}, true)
	if err != nil {
		fmt.Printf("Error registering identity: %v\n", err)
		return
	}
	printJSONResult(result)
}

func setOffers(keyFile string, amounts []string) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, raw := range amounts {
		if _, err := parseAmount(raw); err != nil {
			fmt.Println(err)
			return
		}
	}
	result, err := callRPC("giftcard_setOffers", map[string]interface{}{
		"caller": key.PubKey().Address().String(),
		"offers": amounts,
	}, true)
	if err != nil {
		fmt.Printf("Error setting offers: %v\n", err)
		return
	}
	printJSONResult(result)
}

func offers(einRaw string) {
	ein, err := parseUint(einRaw, "EIN")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_offers", map[string]interface{}{"vendorEin": ein}, false)
	if err != nil {
		fmt.Printf("Error fetching offers: %v\n", err)
		return
	}
	printJSONResult(result)
}

func purchase(keyFile, amountRaw, einRaw string) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Println(err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Println(err)
		return
	}
	ein, err := parseUint(einRaw, "EIN")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_purchase", map[string]interface{}{
		"buyer":     key.PubKey().Address().String(),
		"amount":    amount.String(),
		"vendorEin": ein,
	}, true)
	if err != nil {
		fmt.Printf("Error purchasing gift card: %v\n", err)
		return
	}
	printJSONResult(result)
}

func signTransfer(keyFile, idRaw, einRaw string) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Println(err)
		return
	}
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	ein, err := parseUint(einRaw, "EIN")
	if err != nil {
		fmt.Println(err)
		return
	}
	vault, err := vaultAddress()
	if err != nil {
		fmt.Printf("Error fetching vault address: %v\n", err)
		return
	}
	sig, err := giftcard.SignPermission(key, vault, giftcard.TransferAction,
		new(big.Int).SetUint64(id), new(big.Int).SetUint64(ein))
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		return
	}
	fmt.Println(hex.EncodeToString(sig.Bytes()))
}

func transfer(idRaw, einRaw, sigHex string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	ein, err := parseUint(einRaw, "EIN")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_transfer", map[string]interface{}{
		"id":          id,
		"newOwnerEin": ein,
		"signature":   sigHex,
	}, false)
	if err != nil {
		fmt.Printf("Error transferring gift card: %v\n", err)
		return
	}
	printJSONResult(result)
}

func signRedeem(keyFile, idRaw, amountRaw, tsRaw string) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Println(err)
		return
	}
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Println(err)
		return
	}
	ts, err := parseUint(tsRaw, "timestamp")
	if err != nil {
		fmt.Println(err)
		return
	}
	vault, err := vaultAddress()
	if err != nil {
		fmt.Printf("Error fetching vault address: %v\n", err)
		return
	}
	sig, err := giftcard.SignPermission(key, vault, giftcard.RedeemAction,
		new(big.Int).SetUint64(id), amount, new(big.Int).SetUint64(ts))
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		return
	}
	fmt.Println(hex.EncodeToString(sig.Bytes()))
}

func redeem(idRaw, amountRaw, tsRaw, sigHex string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Println(err)
		return
	}
	ts, err := parseUint(tsRaw, "timestamp")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_redeem", map[string]interface{}{
		"id":        id,
		"amount":    amount.String(),
		"timestamp": ts,
		"signature": sigHex,
	}, false)
	if err != nil {
		fmt.Printf("Error redeeming: %v\n", err)
		return
	}
	printJSONResult(result)
}

func vendorRedeem(idRaw, amountRaw string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_vendorRedeem", map[string]interface{}{
		"id":     id,
		"amount": amount.String(),
	}, false)
	if err != nil {
		fmt.Printf("Error settling: %v\n", err)
		return
	}
	printJSONResult(result)
}

func redeemAndCall(idRaw, amountRaw, tsRaw, sigHex, memo string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	amount, err := parseAmount(amountRaw)
	if err != nil {
		fmt.Println(err)
		return
	}
	ts, err := parseUint(tsRaw, "timestamp")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_redeemAndCall", map[string]interface{}{
		"id":        id,
		"amount":    amount.String(),
		"timestamp": ts,
		"signature": sigHex,
		"memo":      memo,
	}, false)
	if err != nil {
		fmt.Printf("Error redeeming: %v\n", err)
		return
	}
	printJSONResult(result)
}

func refund(idRaw, keyFile string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_refund", map[string]interface{}{
		"id":     id,
		"caller": key.PubKey().Address().String(),
	}, true)
	if err != nil {
		fmt.Printf("Error refunding: %v\n", err)
		return
	}
	printJSONResult(result)
}

func card(idRaw string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_get", map[string]interface{}{"id": id}, false)
	if err != nil {
		fmt.Printf("Error fetching card: %v\n", err)
		return
	}
	printJSONResult(result)
}

func details(idRaw string) {
	id, err := parseUint(idRaw, "card id")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_details", map[string]interface{}{"id": id}, false)
	if err != nil {
		fmt.Printf("Error fetching details: %v\n", err)
		return
	}
	printJSONResult(result)
}

func myCards(einRaw string) {
	ein, err := parseUint(einRaw, "EIN")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("giftcard_customerCards", map[string]interface{}{"ownerEin": ein}, false)
	if err != nil {
		fmt.Printf("Error fetching cards: %v\n", err)
		return
	}
	printJSONResult(result)
}

func balance(addr string) {
	result, err := callRPC("token_balance", map[string]interface{}{"address": addr}, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	printJSONResult(result)
}

func deposit(einRaw string) {
	ein, err := parseUint(einRaw, "EIN")
	if err != nil {
		fmt.Println(err)
		return
	}
	result, err := callRPC("identity_depositBalance", map[string]interface{}{"ein": ein}, false)
	if err != nil {
		fmt.Printf("Error fetching deposit: %v\n", err)
		return
	}
	printJSONResult(result)
}

func events() {
	result, err := callRPC("giftcard_events", nil, false)
	if err != nil {
		fmt.Printf("Error fetching events: %v\n", err)
		return
	}
	printJSONResult(result)
}

func printUsage() {
	fmt.Println("Usage: gift-cli [--rpc <url>] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                          Generate a new key and save it to wallet.key")
	fmt.Println("  register <displayName> <keyfile>                      Register an identity for the key's address")
	fmt.Println("  set-offers <keyfile> <amount> [amount...]             Replace the vendor's offer catalog")
	fmt.Println("  offers <vendorEin>                                    Show a vendor's catalog")
	fmt.Println("  purchase <keyfile> <amount> <vendorEin>               Buy a gift card from a vendor")
	fmt.Println("  sign-transfer <keyfile> <cardId> <newOwnerEin>        Sign a transfer permission")
	fmt.Println("  transfer <cardId> <newOwnerEin> <signature>           Submit a signed transfer")
	fmt.Println("  sign-redeem <keyfile> <cardId> <amount> <timestamp>   Sign a redemption permission")
	fmt.Println("  redeem <cardId> <amount> <timestamp> <signature>      Authorize redemption of a card")
	fmt.Println("  vendor-redeem <cardId> <amount>                       Settle authorized value to the vendor")
	fmt.Println("  redeem-and-call <cardId> <amount> <ts> <sig> [memo]   Authorize, settle and notify in one step")
	fmt.Println("  refund <cardId> <keyfile>                             Refund the remaining balance (vendor only)")
	fmt.Println("  card <cardId>                                         Show the raw card record")
	fmt.Println("  details <cardId>                                      Show the card with display names")
	fmt.Println("  my-cards <ownerEin>                                   List cards owned by an identity")
	fmt.Println("  balance <address>                                     Show a token balance")
	fmt.Println("  deposit <ein>                                         Show an identity's custodial deposit")
	fmt.Println("  events                                                Show the committed event log")
	fmt.Println("Environment: RPC_URL overrides the endpoint, GIFT_RPC_TOKEN authorizes privileged calls.")
}
