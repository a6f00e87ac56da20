// Command songrater is an interactive terminal client: join a room by code,
// move the sliders for the selected song, submit, and watch the shared
// scoreboard.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/jamesarrow/Song-rating/internal/domain"
	"github.com/jamesarrow/Song-rating/internal/event"
	"github.com/jamesarrow/Song-rating/internal/flags"
	"github.com/jamesarrow/Song-rating/internal/localstate"
	"github.com/jamesarrow/Song-rating/internal/room"
	"github.com/jamesarrow/Song-rating/internal/session"
	"github.com/jamesarrow/Song-rating/internal/store"
)

func main() {
	var (
		redisAddr = flag.String("redis", "127.0.0.1:6379", "redis address")
		redisPass = flag.String("redis-pass", "", "redis password")
		prefix    = flag.String("prefix", "songrating", "store key prefix")
		statePath = flag.String("state", defaultStatePath(), "local state database")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{*redisAddr},
		Password: *redisPass,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("Connect redis failed: %v", err)
	}
	cancel()
	defer rc.Close()

	local, err := localstate.Open(*statePath)
	if err != nil {
		log.Fatalf("Open local state failed: %v", err)
	}
	defer local.Close()

	st := store.NewRedis(rc, *prefix)
	eb := event.NewBus()
	defer eb.Stop()

	rooms := room.NewService(room.Config{Store: st, EventBus: eb, Flags: flags.NewLookup()})

	ctrl, err := session.New(session.Config{Store: st, Rooms: rooms, Local: local})
	if err != nil {
		log.Fatalf("Init session failed: %v", err)
	}
	defer ctrl.Leave()

	fmt.Println("songrater — commands: join <code> [name] | add <song> | select <n> | active <n> | score <n> <1-10> | submit | criteria a;b;c | board | view | leave | quit")

	sc := bufio.NewScanner(os.Stdin)
	for prompt(ctrl); sc.Scan(); prompt(ctrl) {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")

		switch cmd {
		case "quit", "exit":
			return
		case "join":
			code, name, _ := strings.Cut(rest, " ")
			if err := ctrl.Join(context.Background(), code, name); err != nil {
				fmt.Println("error:", err)
				continue
			}
			render(ctrl.View())
		case "leave":
			ctrl.Leave()
		case "view":
			render(ctrl.View())
		case "add":
			if _, err := ctrl.AddSong(context.Background(), rest); err != nil {
				fmt.Println("error:", err)
			}
		case "select":
			if sg, ok := songAt(ctrl.View(), rest); ok {
				ctrl.Select(sg.SongID)
			} else {
				fmt.Println("error: unknown song number")
			}
		case "active":
			sg, ok := songAt(ctrl.View(), rest)
			if !ok {
				fmt.Println("error: unknown song number")
				continue
			}
			if err := ctrl.MakeActive(context.Background(), sg.SongID); err != nil {
				fmt.Println("error:", err)
			}
		case "score":
			posArg, valArg, _ := strings.Cut(rest, " ")
			pos, err1 := strconv.Atoi(posArg)
			val, err2 := strconv.Atoi(valArg)
			if err1 != nil || err2 != nil {
				fmt.Println("usage: score <criterion#> <1-10>")
				continue
			}
			ctrl.SetScore(pos-1, val)
			render(ctrl.View())
		case "submit":
			if err := ctrl.Submit(context.Background()); err != nil {
				fmt.Println("error:", err)
			} else {
				fmt.Println("vote submitted")
			}
		case "criteria":
			draft := strings.Split(rest, ";")
			if err := ctrl.SaveCriteria(context.Background(), draft); err != nil {
				fmt.Println("error:", err)
			}
		case "board":
			printBoard(rooms, ctrl.View())
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

func prompt(ctrl *session.Controller) {
	v := ctrl.View()
	if v.State == session.StateGate {
		fmt.Print("(gate) > ")
		return
	}
	fmt.Printf("(%s) > ", v.RoomID)
}

func render(v session.View) {
	if v.State == session.StateGate {
		fmt.Println("not in a room — use: join <code> [name]")
		return
	}

	fmt.Printf("room %s — %s\n", v.RoomID, v.Name)

	fmt.Printf("participants (%d):", len(v.Participants))
	for _, p := range v.Participants {
		fmt.Printf(" %s", p.Name)
	}
	fmt.Println()

	for i, sg := range v.Songs {
		mark := " "
		if sg.SongID == v.ActiveSongID {
			mark = "*"
		}
		sel := " "
		if sg.SongID == v.SelectedSongID {
			sel = ">"
		}
		fmt.Printf("%s%s %2d. %s %s\n", sel, mark, i+1, sg.Flag, sg.Name)
	}

	for i, name := range v.Criteria {
		avg := "-"
		if i < len(v.SelectedStats.PerCriterion) && !v.SelectedStats.PerCriterion[i].IsZero() {
			avg = fmt1(v.SelectedStats.PerCriterion[i])
		}
		fmt.Printf("  %2d. %-20s %s %d   room %s\n", i+1, name, bar(v.MyScores[i]), v.MyScores[i], avg)
	}
	fmt.Printf("  my average: %s\n", fmt1(v.MyAverage))
	fmt.Printf("  room average: %s (%d votes)\n", fmt1(v.SelectedStats.Overall), v.SelectedStats.VoteCount)
}

func printBoard(rooms *room.Service, v session.View) {
	if v.State == session.StateGate {
		fmt.Println("not in a room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := rooms.Scoreboard(ctx, v.RoomID)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, st := range stats {
		fmt.Printf("  %-30s %s (%d)\n", st.Name, fmt1(st.Overall), st.VoteCount)
	}
}

func songAt(v session.View, arg string) (domain.Song, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > len(v.Songs) {
		return domain.Song{}, false
	}
	return v.Songs[n-1], true
}

func bar(score int) string {
	return strings.Repeat("█", score) + strings.Repeat("░", domain.MaxScore-score)
}

// fmt1 renders an average with one decimal place and a comma separator, the
// room's display convention.
func fmt1(d decimal.Decimal) string {
	return strings.ReplaceAll(d.StringFixed(1), ".", ",")
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "songrater.db"
	}
	return filepath.Join(home, ".songrater", "state.db")
}
