package analysis

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// Risk 伪装文件风险等级
type Risk string

const (
	RiskSafe   Risk = "SAFE"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// headerSize filetype 建议读取的文件头长度
const headerSize = 262

// Result 一次检测的结论
type Result struct {
	Masquerade  bool
	RealExt     string // 文件头识别出的类型
	DeclaredExt string // 文件名后缀
	Risk        Risk
	Message     string
}

// TypeInspector 比较文件头与后缀，找出改了后缀的文件
type TypeInspector struct {
	// 真实类型 -> 允许出现的后缀
	aliases map[string]map[string]bool
}

func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliases: make(map[string]map[string]bool)}

	// zip 容器: office / java / android / 各种包
	t.allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg")
	t.allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	t.allow("mp4", "m4v", "mov", "qt")
	t.allow("mov", "qt", "mp4")
	t.allow("ogg", "ogv", "oga", "spx")
	// PE 家族
	t.allow("exe", "dll", "sys", "scr", "cpl", "ocx")
	t.allow("gz", "gzip", "tgz")
	return t
}

func (t *TypeInspector) allow(real string, exts ...string) {
	set, ok := t.aliases[real]
	if !ok {
		set = map[string]bool{real: true}
		t.aliases[real] = set
	}
	for _, e := range exts {
		set[e] = true
	}
}

// Inspect 无后缀、空文件、无法识别的文件头 (多为文本) 都按安全处理
func (t *TypeInspector) Inspect(path string) (Result, error) {
	declared := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if declared == "" {
		return Result{Risk: RiskSafe, Message: "No extension"}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return Result{DeclaredExt: declared, Risk: RiskSafe, Message: "Empty file"}, nil
		}
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown {
		return Result{RealExt: "unknown", DeclaredExt: declared, Risk: RiskSafe,
			Message: "Unknown binary signature (likely text)"}, nil
	}

	res := Result{RealExt: kind.Extension, DeclaredExt: declared, Risk: RiskSafe}
	if t.aliases[kind.Extension][declared] || kind.Extension == declared {
		return res, nil
	}

	res.Masquerade = true
	res.Risk = RiskMedium
	switch kind.Extension {
	case "exe", "elf", "dll":
		res.Risk = RiskHigh
	}
	res.Message = fmt.Sprintf("Type mismatch: header is %q but file is named %q", kind.Extension, declared)
	return res, nil
}
