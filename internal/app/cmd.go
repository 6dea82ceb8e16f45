package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は起動エンドポイントを持つHTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラ・展開・配信・クリーンアップを1プロセスで動かすことを示す。
	CommandWorker Command = "worker"
	// CommandPoll は新着判定を1回だけ行い、新着があればスクレイプすることを示す。
	CommandPoll Command = "poll"
	// CommandScrape は新着判定を省略してスクレイプを1回行うことを示す。
	CommandScrape Command = "scrape"
	// CommandExpand は購読者展開ワーカーのみを起動することを示す。
	CommandExpand Command = "expand"
	// CommandDispatch はメール配信ワーカーのみを起動することを示す。
	CommandDispatch Command = "dispatch"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// CommandInfo はサブコマンドの説明。
type CommandInfo struct {
	Command Command
	Short   string
}

// Commands はCLIに登録するサブコマンドの一覧を返す。
func Commands() []CommandInfo {
	return []CommandInfo{
		{CommandServe, "HTTPサーバー（/health, /metrics, /internal/*）を起動する"},
		{CommandWorker, "ポーリング・展開・配信・クリーンアップを常駐実行する"},
		{CommandPoll, "新着判定を1回行い、新着があればスクレイプする"},
		{CommandScrape, "スクレイプを1回行う"},
		{CommandExpand, "購読者展開ワーカーを起動する"},
		{CommandDispatch, "メール配信ワーカーを起動する"},
		{CommandMigrate, "データベースマイグレーションを適用する"},
		{CommandHealthcheck, "/healthを呼び出して終了コードで結果を返す"},
	}
}
