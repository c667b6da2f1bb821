package consensus

import (
	"math/big"
	"testing"

	"github.com/creditmesh/ledger/chancrypto"
)

func mustWallet(t *testing.T, seed string) *chancrypto.Wallet {
	t.Helper()
	w, err := chancrypto.KeypairFromSeed([]byte(seed))
	if err != nil {
		t.Fatalf("KeypairFromSeed(%q): %v", seed, err)
	}
	return w
}

// threeValidatorConfig builds the {alice:1, bob:1, charlie:1}, threshold 2
// configuration used by spec scenario S4.
func threeValidatorConfig(t *testing.T) (Config, map[string]*chancrypto.Wallet) {
	t.Helper()

	alice := mustWallet(t, "alice")
	bob := mustWallet(t, "bob")
	charlie := mustWallet(t, "charlie")

	cfg := Config{
		Validators: []chancrypto.Address{alice.Address(), bob.Address(), charlie.Address()},
		Shares: map[chancrypto.Address]*big.Int{
			alice.Address():   big.NewInt(1),
			bob.Address():     big.NewInt(1),
			charlie.Address(): big.NewInt(1),
		},
		Threshold: big.NewInt(2),
		Proposer:  alice.Address(),
		Mode:      ModeProposerBased,
	}

	return cfg, map[string]*chancrypto.Wallet{
		"alice": alice, "bob": bob, "charlie": charlie,
	}
}

func mustChatTx(t *testing.T, wallet *chancrypto.Wallet, nonce uint64, message string) Tx {
	t.Helper()
	payload, err := EncodeChat(Chat{Message: message})
	if err != nil {
		t.Fatalf("EncodeChat: %v", err)
	}
	tx := Tx{Signer: wallet.Address(), Nonce: nonce, Kind: TxChat, Payload: payload}
	signed, err := Sign(wallet, tx)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return signed
}

// TestEntityConsensusCommit reproduces spec §8 scenario S4: alice (proposer)
// gets a chat tx, auto-proposes, alice and bob sign, the frame commits at
// height 1, and charlie -- receiving the same frame late -- verifies and
// advances locally too.
func TestEntityConsensusCommit(t *testing.T) {
	cfg, wallets := threeValidatorConfig(t)
	id := NamedEntityID("S4-demo-entity")

	aliceEntity, err := NewEntity(id, cfg, wallets["alice"], nil)
	if err != nil {
		t.Fatalf("NewEntity(alice): %v", err)
	}
	bobEntity, err := NewEntity(id, cfg, wallets["bob"], nil)
	if err != nil {
		t.Fatalf("NewEntity(bob): %v", err)
	}
	charlieEntity, err := NewEntity(id, cfg, wallets["charlie"], nil)
	if err != nil {
		t.Fatalf("NewEntity(charlie): %v", err)
	}

	tx := mustChatTx(t, wallets["alice"], 1, "hello entity")
	if err := aliceEntity.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}

	const proposedAt = 1_700_000_000
	frame, err := aliceEntity.ProposeIfReady(proposedAt)
	if err != nil {
		t.Fatalf("ProposeIfReady: %v", err)
	}
	if frame == nil {
		t.Fatalf("expected a drafted frame, got nil")
	}
	if frame.Height != 1 {
		t.Fatalf("frame height = %d, want 1", frame.Height)
	}

	bobSigned, err := bobEntity.HandleProposal(frame)
	if err != nil {
		t.Fatalf("bob HandleProposal: %v", err)
	}

	// Merge bob's precommit back onto alice's copy; share now alice(1) +
	// bob(1) = 2, meeting the threshold.
	aliceEntity.MergePrecommit(Precommit{
		Height: bobSigned.Height, Signer: wallets["bob"].Address(),
		Sig: bobSigned.Signatures[wallets["bob"].Address()],
	})

	committed, err := aliceEntity.TryCommit()
	if err != nil {
		t.Fatalf("TryCommit: %v", err)
	}
	if committed.Height != 1 {
		t.Fatalf("committed height = %d, want 1", committed.Height)
	}
	if aliceEntity.State().Height != 1 {
		t.Fatalf("alice state height = %d, want 1", aliceEntity.State().Height)
	}
	if len(aliceEntity.State().Messages) != 1 || aliceEntity.State().Messages[0] != "hello entity" {
		t.Fatalf("alice state messages = %v, want [\"hello entity\"]", aliceEntity.State().Messages)
	}

	// Charlie receives the fully-precommitted frame late, directly at the
	// COMMIT phase, and must reach the identical state by re-execution.
	if err := charlieEntity.HandleCommit(committed); err != nil {
		t.Fatalf("charlie HandleCommit: %v", err)
	}
	if charlieEntity.State().Height != 1 {
		t.Fatalf("charlie state height = %d, want 1", charlieEntity.State().Height)
	}
	if StateHash(charlieEntity.State()) != StateHash(aliceEntity.State()) {
		t.Fatalf("charlie and alice diverged after commit")
	}
}

// TestEntityByzantineProposerRefused reproduces spec §8 scenario S5: the
// proposer signs a frame whose declared new_state_hash disagrees with
// applying its declared txs. Honest validators must refuse to sign it, so
// the threshold is never reached and the byzantine frame never commits.
func TestEntityByzantineProposerRefused(t *testing.T) {
	cfg, wallets := threeValidatorConfig(t)
	id := NamedEntityID("S5-demo-entity")

	aliceEntity, err := NewEntity(id, cfg, wallets["alice"], nil)
	if err != nil {
		t.Fatalf("NewEntity(alice): %v", err)
	}
	bobEntity, err := NewEntity(id, cfg, wallets["bob"], nil)
	if err != nil {
		t.Fatalf("NewEntity(bob): %v", err)
	}

	tx := mustChatTx(t, wallets["alice"], 1, "honest message")
	if err := aliceEntity.AddTx(tx); err != nil {
		t.Fatalf("AddTx: %v", err)
	}

	frame, err := aliceEntity.ProposeIfReady(1_700_000_000)
	if err != nil {
		t.Fatalf("ProposeIfReady: %v", err)
	}

	// Tamper with the declared new_state_hash after the proposer signed
	// it honestly -- simulating a byzantine proposer broadcasting a frame
	// whose txs don't actually produce the state it claims.
	tampered := *frame
	tampered.NewStateHash = chancrypto.HashBytes([]byte("not the real successor state"))

	if _, err := bobEntity.HandleProposal(&tampered); err == nil {
		t.Fatalf("expected bob to refuse the tampered proposal, got nil error")
	}

	if bobEntity.State().Height != 0 {
		t.Fatalf("bob state height = %d, want 0 (untouched)", bobEntity.State().Height)
	}

	// Bob never signed, and alice's own precommit covers the original
	// new_state_hash, so it does not verify against the tampered frame --
	// share 0, below the threshold of 2.
	share := PrecommitShare(&tampered, cfg)
	if share.Cmp(cfg.Threshold) >= 0 {
		t.Fatalf("tampered frame share %s reached threshold %s, should not have",
			share, cfg.Threshold)
	}

	if _, err := aliceEntity.tryCommitLocked(&tampered); err == nil {
		t.Fatalf("expected commit of tampered frame to fail, got nil error")
	}
}
