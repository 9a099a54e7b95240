package softphone

// Line - фиксированный слот в пуле размера N. Линия не владеет сессией:
// sessionID это слабая обратная ссылка только для поиска.
type Line struct {
	number    int
	sessionID string
}

// Number возвращает стабильный номер линии (1..N).
func (l *Line) Number() int {
	return l.number
}

// SessionID возвращает ID занимающей сессии или пустую строку.
func (l *Line) SessionID() string {
	return l.sessionID
}

// idle сообщает, что линия свободна для нового вызова.
func (l *Line) idle() bool {
	return l.sessionID == ""
}

// LineInfo - снимок состояния линии для потребителей.
type LineInfo struct {
	Number    int
	SessionID string
	Selected  bool
}

// lineSet управляет привязкой сессий к линиям и выбором линии.
// Пул линий - единственный разделяемый ресурс ядра; привязки меняются
// исключительно через allocate/bind/release, выбор - через Engine.SelectLine
// (там же срабатывает auto-hold). Синхронизацию обеспечивает мьютекс Engine.
type lineSet struct {
	lines    []*Line
	selected int // ровно одна линия выбрана в любой момент
}

func newLineSet(n int) *lineSet {
	lines := make([]*Line, n)
	for i := range lines {
		lines[i] = &Line{number: i + 1}
	}
	return &lineSet{lines: lines, selected: 1}
}

// get возвращает линию по номеру.
func (ls *lineSet) get(number int) (*Line, error) {
	if number < 1 || number > len(ls.lines) {
		return nil, ErrLineNotFound
	}
	return ls.lines[number-1], nil
}

// selectedLine возвращает выбранную линию.
func (ls *lineSet) selectedLine() *Line {
	return ls.lines[ls.selected-1]
}

// allocate находит линию для нового вызова.
//
// Исходящий вызов: если выбранная линия свободна - используется она,
// иначе первая свободная в порядке возрастания. Входящий вызов: всегда
// первая свободная в порядке возрастания, независимо от выбора -
// входящий вызов никогда не вытесняет линию, выбранную агентом.
func (ls *lineSet) allocate(direction Direction) (int, error) {
	if direction == DirectionOutgoing && ls.selectedLine().idle() {
		return ls.selected, nil
	}
	for _, l := range ls.lines {
		if l.idle() {
			return l.number, nil
		}
	}
	return 0, ErrAllLinesBusy
}

// bind привязывает сессию к линии.
func (ls *lineSet) bind(number int, sessionID string) {
	ls.lines[number-1].sessionID = sessionID
}

// release освобождает линию после завершения сессии.
// Выбор линии не меняется.
func (ls *lineSet) release(number int) {
	if number >= 1 && number <= len(ls.lines) {
		ls.lines[number-1].sessionID = ""
	}
}

// setSelected фиксирует смену выбранной линии.
// Auto-hold проверяется вызывающим кодом до коммита.
func (ls *lineSet) setSelected(number int) {
	ls.selected = number
}

func (ls *lineSet) snapshot() []LineInfo {
	infos := make([]LineInfo, len(ls.lines))
	for i, l := range ls.lines {
		infos[i] = LineInfo{
			Number:    l.number,
			SessionID: l.sessionID,
			Selected:  l.number == ls.selected,
		}
	}
	return infos
}
