package input

import (
	"errors"

	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"
)

// NewReadline 创建持久化的 readline 实例
// historyFile 为空时历史只保存在内存中
func NewReadline(prompt, historyFile string) (*readline.Instance, error) {
	cfg := &readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	return readline.NewEx(cfg)
}

// InitReadlineHistory 初始化 readline 实例的历史记录
func InitReadlineHistory(rl *readline.Instance, history []string) {
	if rl == nil {
		return
	}
	for _, h := range history {
		if h != "" {
			_ = rl.SaveHistory(h)
		}
	}
}

// IsTerminal 检查 stdin 和 stdout 是否为终端
func IsTerminal() bool {
	return readline.DefaultIsTerminal()
}

// Confirm 询问是否确认，回答否不算错误
func Confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
