// Package bot is the Discord front end. It owns no game state: every command
// is one API call, with the interaction id as the idempotency key so a
// platform retry of the same interaction can never charge twice.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"gachaward/internal/config"
)

type Bot struct {
	log     *slog.Logger
	cfg     config.BotConfig
	api     *apiClient
	session *discordgo.Session
}

func New(cfg config.BotConfig, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	b := &Bot{
		log:     logger,
		cfg:     cfg,
		api:     newAPIClient(cfg.APIBaseURL, cfg.ServiceToken),
		session: session,
	}
	session.AddHandler(b.handleInteraction)
	session.Identify.Intents = discordgo.IntentsGuilds
	return b, nil
}

// Run connects, registers the slash commands, and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	defer b.session.Close()

	if err := b.registerCommands(); err != nil {
		return err
	}
	b.log.Info("bot connected", "guild", b.cfg.GuildID)
	<-ctx.Done()
	return nil
}

func (b *Bot) registerCommands() error {
	appID := b.session.State.User.ID
	for _, cmd := range commandDefinitions() {
		if _, err := b.session.ApplicationCommandCreate(appID, b.cfg.GuildID, cmd); err != nil {
			return fmt.Errorf("register /%s: %w", cmd.Name, err)
		}
	}
	return nil
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "summon",
			Description: "Spend gems on a banner draw",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "banner", Description: "Banner id", Required: true},
			},
		},
		{
			Name:        "fuse",
			Description: "Fuse materials with a recipe",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "recipe", Description: "Recipe id", Required: true},
			},
		},
		{
			Name:        "daily",
			Description: "Claim today's reward",
		},
		{
			Name:        "balance",
			Description: "Show your balances",
		},
		{
			Name:        "transfer",
			Description: "Send a resource to another player",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionUser, Name: "to", Description: "Recipient", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "kind", Description: "Resource kind", Required: true},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "amount", Description: "Amount", Required: true},
			},
		},
		{
			Name:        "pity",
			Description: "Show pity progress, or redeem credits",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "domain", Description: "Pity domain", Required: true},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "redeem", Description: "Spend credits now", Required: false},
			},
		},
	}
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	data := i.ApplicationCommandData()
	subject := "player:" + interactionUserID(i)
	// The interaction id is unique per command invocation and stable across
	// Discord's delivery retries.
	idem := "discord:" + i.ID

	var (
		reply string
		err   error
	)
	switch data.Name {
	case "summon":
		reply, err = b.runSummon(ctx, subject, optString(data, "banner"), idem)
	case "fuse":
		reply, err = b.runFuse(ctx, subject, optString(data, "recipe"), idem)
	case "daily":
		reply, err = b.runDaily(ctx, subject)
	case "balance":
		reply, err = b.runBalance(ctx, subject)
	case "transfer":
		reply, err = b.runTransfer(ctx, subject, data, idem)
	case "pity":
		reply, err = b.runPity(ctx, subject, data, idem)
	default:
		reply = "Unknown command."
	}
	if err != nil {
		b.log.Error("command failed", "command", data.Name, "subject", subject, "err", err)
		reply = friendlyError(err)
	}
	b.respond(s, i, reply)
}

func (b *Bot) runSummon(ctx context.Context, subject, banner, idem string) (string, error) {
	out, err := b.api.summon(ctx, subject, banner, idem)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("You pulled **%s**!", out.Outcome)
	if out.Forced {
		msg += " (pity guarantee)"
	}
	return msg, nil
}

func (b *Bot) runFuse(ctx context.Context, subject, recipe, idem string) (string, error) {
	out, err := b.api.fuse(ctx, subject, recipe, idem)
	if err != nil {
		return "", err
	}
	if out.Success {
		if out.Forced {
			return "Fusion **succeeded** (pity guarantee).", nil
		}
		return "Fusion **succeeded**!", nil
	}
	return "Fusion failed. Your pity counter moved up.", nil
}

func (b *Bot) runDaily(ctx context.Context, subject string) (string, error) {
	out, err := b.api.daily(ctx, subject)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(out.Granted))
	for kind, ch := range out.Granted {
		parts = append(parts, fmt.Sprintf("%s +%d", kind, ch.Applied))
	}
	sort.Strings(parts)
	return "Daily reward claimed: " + strings.Join(parts, ", "), nil
}

func (b *Bot) runBalance(ctx context.Context, subject string) (string, error) {
	balances, err := b.api.balances(ctx, subject)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(balances))
	for kind, v := range balances {
		lines = append(lines, fmt.Sprintf("%s: %d", kind, v))
	}
	sort.Strings(lines)
	return "Your balances:\n" + strings.Join(lines, "\n"), nil
}

func (b *Bot) runTransfer(ctx context.Context, subject string, data discordgo.ApplicationCommandInteractionData, idem string) (string, error) {
	to := "player:" + optUserID(data, "to")
	kind := optString(data, "kind")
	amount := optInt(data, "amount")
	out, err := b.api.transfer(ctx, subject, to, kind, amount, idem)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Sent %d %s.", amount, kind)
	if out.OverflowLost > 0 {
		msg += fmt.Sprintf(" The recipient was at their cap; %d was lost.", out.OverflowLost)
	}
	return msg, nil
}

func (b *Bot) runPity(ctx context.Context, subject string, data discordgo.ApplicationCommandInteractionData, idem string) (string, error) {
	domain := optString(data, "domain")
	if optBool(data, "redeem") {
		out, err := b.api.redeemPity(ctx, subject, domain, idem)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Credits spent: you received **%s**.", out.Outcome), nil
	}
	view, err := b.api.pity(ctx, subject, domain)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Pity for %s: %d misses", domain, view.State.Counter)
	if view.Rule.Threshold > 0 {
		msg += fmt.Sprintf(" of %d", view.Rule.Threshold)
	}
	if view.Rule.RedeemAt > 0 {
		msg += fmt.Sprintf(", %d/%d credits", view.State.Credits, view.Rule.RedeemAt)
		if view.Redeemable {
			msg += " (ready to redeem)"
		}
	}
	return msg, nil
}

func (b *Bot) respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		b.log.Error("interaction respond failed", "err", err)
	}
}

// friendlyError maps API status text to player-facing phrasing. The HTTP
// client surfaces the status code in its error string.
func friendlyError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "status 409"):
		return "Already done, nothing happened twice."
	case strings.Contains(msg, "status 400") && strings.Contains(msg, "insufficient"):
		return "You can't afford that."
	case strings.Contains(msg, "status 400"):
		return "That request doesn't work right now."
	case strings.Contains(msg, "status 404"):
		return "That doesn't exist."
	case strings.Contains(msg, "status 503"):
		return "Things are busy, try again in a moment."
	default:
		return "Something went wrong, try again later."
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func optString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func optInt(data discordgo.ApplicationCommandInteractionData, name string) int64 {
	for _, opt := range data.Options {
		if opt.Name == name {
			return opt.IntValue()
		}
	}
	return 0
}

func optBool(data discordgo.ApplicationCommandInteractionData, name string) bool {
	for _, opt := range data.Options {
		if opt.Name == name {
			return opt.BoolValue()
		}
	}
	return false
}

func optUserID(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name {
			if v, ok := opt.Value.(string); ok {
				return v
			}
		}
	}
	return ""
}
