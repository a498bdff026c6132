package scanner

import "regexp"

// Pattern is a named RE2 expression within a category
type Pattern struct {
	Name     string
	Category Category
	Regex    *regexp.Regexp
}

const commandWords = `(cat|ls|id|whoami|uname|pwd|wget|curl|nc|ncat|netcat|bash|sh|zsh|dash|ksh|cmd|cmd\.exe|powershell|pwsh|python[23]?|perl|ruby|php|rm|chmod|chown|kill|ping|nslookup|dig|sleep|echo|touch|mkfifo|telnet|ssh|scp|base64|eval|exec|env|printenv|ifconfig|netstat)`

// shellOnlyWords never appear in prose after a separator
const shellOnlyWords = `(whoami|uname|wget|curl|ncat|netcat|bash|zsh|ksh|cmd\.exe|powershell|pwsh|python[23]?|perl|php|chmod|chown|nslookup|mkfifo|telnet|ifconfig|netstat|printenv|base64)`

// proseWords are commands that are also ordinary words or clinical
// abbreviations ("sleep poor", "echo normal", "NC 2L", "SH: nonsmoker").
// They only count when followed by an argument shape.
const proseWords = `(cat|ls|id|pwd|rm|kill|ping|sleep|echo|touch|env|dig|dash|cmd|ssh|scp|eval|exec|nc|sh|ruby)`

// shellArgs is a flag, a path, a variable, a bare number closing the
// command, or another metacharacter or the end of input
const shellArgs = `(\s+(-{1,2}\w|[/~$]|\.{1,2}/|\d+\s*([;&|` + "`" + `#]|$))|\s*([;&|<>` + "`" + `]|$))`

// commandSeparator starts a new shell command
const commandSeparator = `([;&|\n` + "`" + `]|\$\()\s*`

var sqliPatterns = []Pattern{
	{Name: "sqli_quote_tautology", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)['"` + "`" + `]\s*(or|and|xor|\|\||&&)\s+['"]?[\w]*['"]?\s*(=|<>|!=|<|>|\blike\b|\bis\b)`)},
	{Name: "sqli_quote_boolean", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)['"]\s*(or|and)\s+(true|false|not\b|null\b|\d)`)},
	{Name: "sqli_numeric_tautology", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)\b(or|and)\s+(\d+)\s*=\s*(\d+)\b`)},
	{Name: "sqli_quote_comment", Category: CategorySQLi,
		Regex: regexp.MustCompile(`['"]\s*(--|#|/\*)|\)\s*(--|/\*)`)},
	{Name: "sqli_union_select", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)\bunion\b(\s|/\*.*?\*/|\+)+(all\s+|distinct\s+)?select\b`)},
	{Name: "sqli_stacked", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete|update|insert|create|exec|execute|shutdown|grant|revoke|declare|merge)\b`)},
	{Name: "sqli_time_based", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)(\bsleep\s*\(\s*\d+|\bpg_sleep\s*\(|\bbenchmark\s*\(\s*\d+|\bwaitfor\s+delay\s+')`)},
	{Name: "sqli_schema_probe", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)(information_schema|sys\.objects|\bsysobjects\b|\bsyscolumns\b|\bpg_catalog\b|\bsqlite_master\b|\bmysql\.user\b)`)},
	{Name: "sqli_functions", Category: CategorySQLi,
		Regex: regexp.MustCompile(`(?i)(\bextractvalue\s*\(|\bupdatexml\s*\(|\bload_file\s*\(|\binto\s+(out|dump)file\b|\bxp_cmdshell\b)`)},
}

var xssPatterns = []Pattern{
	{Name: "xss_script_tag", Category: CategoryXSS,
		Regex: regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{Name: "xss_event_handler", Category: CategoryXSS,
		Regex: regexp.MustCompile(`(?i)\bon(error|load|unload|beforeunload|click|dblclick|auxclick|contextmenu|mouse\w+|pointer\w+|focus\w*|blur|submit|reset|change|input|invalid|select|key\w+|drag\w*|drop|toggle|animation\w+|transition\w+|begin|end|show|wheel|scroll|copy|cut|paste|message|hashchange|pageshow|resize|play|pause)\s*=`)},
	{Name: "xss_script_scheme", Category: CategoryXSS,
		Regex: regexp.MustCompile(`(?i)(java|vb|live)script\s*:|data\s*:\s*text/html`)},
	{Name: "xss_dangerous_tag", Category: CategoryXSS,
		Regex: regexp.MustCompile(`(?i)<\s*(iframe|frame|frameset|embed|object|applet|svg|math|img|image|video|audio|base|link|meta|style|form|isindex|marquee|template|details)\b`)},
	{Name: "xss_escaped_tag", Category: CategoryXSS,
		Regex: regexp.MustCompile(`(?i)(\\u003c|\\x3c|\\074)\s*/?\s*(script|img|svg|iframe)`)},
	{Name: "xss_dom_sink", Category: CategoryXSS,
		Regex: regexp.MustCompile(`(?i)(document\.(cookie|write|domain)|window\.location|\.innerHTML\s*=|\beval\s*\(|\bexpression\s*\()`)},
}

var traversalPatterns = []Pattern{
	{Name: "traversal_dot_segment", Category: CategoryPathTraversal,
		Regex: regexp.MustCompile(`(^|[\\/])\.\.([\\/]|$)`)},
	{Name: "traversal_dot_slash", Category: CategoryPathTraversal,
		Regex: regexp.MustCompile(`\.\.[\\/]`)},
	{Name: "traversal_encoded", Category: CategoryPathTraversal,
		Regex: regexp.MustCompile(`(?i)(%(25)*2e|\.){2}(%(25)*(2f|5c)|[\\/])|(%(25)*(2f|5c)|[\\/])(%(25)*2e){2}`)},
	{Name: "traversal_overlong_literal", Category: CategoryPathTraversal,
		Regex: regexp.MustCompile(`(?i)%(25)*(c0%(25)*(ae|af|2e|2f|5c)|c1%(25)*(9c|1c)|e0%(25)*80%(25)*(ae|af))`)},
	{Name: "traversal_sensitive_file", Category: CategoryPathTraversal,
		Regex: regexp.MustCompile(`(?i)(/etc/(passwd|shadow|hosts|group)\b|\bboot\.ini\b|\bwin\.ini\b|/proc/self/|\\windows\\system32)`)},
	{Name: "traversal_null_literal", Category: CategoryPathTraversal,
		Regex: regexp.MustCompile(`(?i)%(25)*00`)},
}

var commandPatterns = []Pattern{
	{Name: "cmdi_chained", Category: CategoryCommandInjection,
		Regex: regexp.MustCompile(`(?i)` + commandSeparator + shellOnlyWords + `\b`)},
	{Name: "cmdi_chained_args", Category: CategoryCommandInjection,
		Regex: regexp.MustCompile(`(?i)` + commandSeparator + proseWords + shellArgs)},
	{Name: "cmdi_backtick", Category: CategoryCommandInjection,
		Regex: regexp.MustCompile("`[^`]*" + `\b` + commandWords + `\b[^` + "`" + `]*` + "`")},
	{Name: "cmdi_subshell", Category: CategoryCommandInjection,
		Regex: regexp.MustCompile(`\$\([^)]*\)|\$\{IFS\}|\$IFS\b`)},
	{Name: "cmdi_shell_path", Category: CategoryCommandInjection,
		Regex: regexp.MustCompile(`(?i)(/bin/(ba|z|da|k)?sh\b|/usr/bin/(env|perl|python\d?)\b|>\s*/dev/(tcp|udp)/|\bnc\s+-[elp])`)},
	{Name: "cmdi_redirect", Category: CategoryCommandInjection,
		Regex: regexp.MustCompile(`(>\s*/(etc|tmp|var)/|<\s*/etc/)`)},
}

// ldapPatterns only run on identity-search locations, where filter
// metacharacters have no legitimate use
var ldapPatterns = []Pattern{
	{Name: "ldap_filter_metachar", Category: CategoryLDAPInjection,
		Regex: regexp.MustCompile(`[()*|&\x00]`)},
	{Name: "ldap_filter_escape", Category: CategoryLDAPInjection,
		Regex: regexp.MustCompile(`(?i)\\(2a|28|29|00|5c)`)},
}

// defaultPatternSets is the fixed evaluation order. The first match wins.
func defaultPatternSets() [][]Pattern {
	return [][]Pattern{sqliPatterns, xssPatterns, traversalPatterns, commandPatterns}
}

// dangerousKeys are JSON object keys that reach prototype chains downstream
var dangerousKeys = map[string]bool{
	"__proto__":        true,
	"prototype":        true,
	"__defineGetter__": true,
	"__defineSetter__": true,
	"__lookupGetter__": true,
	"__lookupSetter__": true,
}
